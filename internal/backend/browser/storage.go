package browser

import "context"

// Storage is a Web Storage area (localStorage or sessionStorage).
type Storage struct {
	env  *Env
	area string
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.env.call(ctx, `(area) => window.__daydream.kvKeys(area)`, &keys, s.area)
	return keys, err
}

func (s *Storage) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.env.call(ctx, `(area, key) => window.__daydream.kvGet(area, key)`, &v, s.area, key)
	return v, err
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	return s.env.call(ctx, `(area, key, value) => window.__daydream.kvSet(area, key, value)`, nil, s.area, key, value)
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.env.call(ctx, `(area, key) => window.__daydream.kvDelete(area, key)`, nil, s.area, key)
}

func (s *Storage) Clear(ctx context.Context) error {
	return s.env.call(ctx, `(area) => window.__daydream.kvClear(area)`, nil, s.area)
}
