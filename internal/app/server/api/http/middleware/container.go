package middleware

import "github.com/danielgtaylor/huma/v2"

// Container накапливает middleware для очередной группы операций
type Container struct {
	items huma.Middlewares
}

func NewContainer() *Container {
	return &Container{}
}

func (c *Container) Add(mw func(huma.Context, func(huma.Context))) {
	c.items = append(c.items, mw)
}

// GetAllAndClear отдает накопленный набор и начинает новый
func (c *Container) GetAllAndClear() huma.Middlewares {
	out := c.items
	c.items = nil
	return out
}
