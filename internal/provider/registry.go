package provider

import (
	"sort"

	"github.com/hitoshi/fitsync/internal/model"
)

// Registry は有効なプロバイダーのアダプターを保持する。
// 生成後は読み取り専用のため、複数のgoroutineから安全に使用できる。
type Registry struct {
	adapters map[model.Provider]Adapter
}

// NewRegistry は指定したアダプターでRegistryを生成する。
// 同じプロバイダーが複数渡された場合は後のものが優先される。
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get はプロバイダーのアダプターを返す。
// 無効なプロバイダーの場合はUnsupportedProviderErrorを返す。
func (r *Registry) Get(p model.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, &model.UnsupportedProviderError{Name: string(p)}
	}
	return a, nil
}

// Providers は有効なプロバイダーを名前順で返す。
func (r *Registry) Providers() []model.Provider {
	ps := make([]model.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
	return ps
}
