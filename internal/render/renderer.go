// Package render personalizes content bodies with Liquid merge tags before
// fan-out, e.g. "Hi {{ email | default: \"there\" }}".
package render

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/broadcast-engine/internal/pkg/logger"
)

// Renderer renders Liquid templates with parsed-template caching. Safe for
// concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // body string -> *liquid.Template
}

// NewRenderer creates a renderer with the engine's custom filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	return &Renderer{engine: engine}
}

// Bindings holds the per-subscriber variables available to templates.
type Bindings struct {
	Email   string
	Title   string
	TopicID string
}

// Render expands merge tags in body. Rendering is lax: on any parse or render
// error the raw body is returned so personalization never blocks a delivery.
func (r *Renderer) Render(body string, b Bindings) string {
	tpl, err := r.template(body)
	if err != nil {
		logger.Component("render").Warn("template parse failed, sending raw body", "error", err)
		return body
	}

	out, err := tpl.RenderString(map[string]interface{}{
		"email":    b.Email,
		"title":    b.Title,
		"topic_id": b.TopicID,
	})
	if err != nil {
		logger.Component("render").Warn("template render failed, sending raw body", "error", err)
		return body
	}
	return out
}

func (r *Renderer) template(body string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(body); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(body)
	if err != nil {
		return nil, err
	}
	r.cache.Store(body, tpl)
	return tpl, nil
}
