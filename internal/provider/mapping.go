package provider

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/fitsync/internal/model"
)

// upperSnakeActivityType はPolarやGarminが使う大文字スネークケースの種別を共通種別に変換する。
// detailが一致すればそれを優先し、どちらも未知の場合はActivityTypeOtherを返す。
func upperSnakeActivityType(sport, detail string) model.ActivityType {
	for _, s := range []string{detail, sport} {
		if t, ok := matchUpperSnake(strings.ToUpper(strings.TrimSpace(s))); ok {
			return t
		}
	}
	return model.ActivityTypeOther
}

func matchUpperSnake(s string) (model.ActivityType, bool) {
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "RUN"):
		return model.ActivityTypeRun, true
	case strings.Contains(s, "CYCLING"), strings.Contains(s, "BIKING"), strings.Contains(s, "RIDE"):
		return model.ActivityTypeRide, true
	case strings.Contains(s, "SWIM"):
		return model.ActivityTypeSwim, true
	case strings.Contains(s, "WALK"):
		return model.ActivityTypeWalk, true
	case strings.Contains(s, "HIK"), s == "MOUNTAINEERING":
		return model.ActivityTypeHike, true
	case strings.Contains(s, "ROW"):
		return model.ActivityTypeRow, true
	case strings.Contains(s, "STRENGTH"), s == "CROSSFIT":
		return model.ActivityTypeStrength, true
	case strings.Contains(s, "YOGA"), s == "PILATES":
		return model.ActivityTypeYoga, true
	case strings.Contains(s, "SKI"):
		return model.ActivityTypeSki, true
	}
	return "", false
}

// parseISODuration は "PT1H2M3.5S" 形式の期間を解析する。
// 日付部分は "P1D" のような日数のみ対応する。
func parseISODuration(s string) (time.Duration, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("不正な期間の形式です: %q", s)
	}
	rest := s[1:]
	var total time.Duration
	inTime := false
	num := ""
	for _, r := range rest {
		switch {
		case r == 'T':
			inTime = true
		case (r >= '0' && r <= '9') || r == '.':
			num += string(r)
		default:
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("不正な期間の形式です: %q", s)
			}
			num = ""
			var unit time.Duration
			switch {
			case r == 'D' && !inTime:
				unit = 24 * time.Hour
			case r == 'H' && inTime:
				unit = time.Hour
			case r == 'M' && inTime:
				unit = time.Minute
			case r == 'S' && inTime:
				unit = time.Second
			default:
				return 0, fmt.Errorf("未対応の期間の単位です: %q", s)
			}
			total += time.Duration(v * float64(unit))
		}
	}
	if num != "" {
		return 0, fmt.Errorf("不正な期間の形式です: %q", s)
	}
	return total, nil
}
