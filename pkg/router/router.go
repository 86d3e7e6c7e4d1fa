package router

import (
	"github.com/cockroachdb/errors"

	"github.com/pario-ai/llmrace/pkg/config"
)

// ErrNoProviders is returned when nothing is configured to serve a request.
var ErrNoProviders = errors.New("no providers configured")

// Route represents a resolved provider and upstream model.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router resolves requested model names to providers.
type Router struct {
	cfg *config.Config
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve returns the route for the requested model.
// Resolution order: an alias route, then the first provider listing the model
// in its models, then the first provider with the original model name.
func (r *Router) Resolve(requestedModel string) (Route, error) {
	if len(r.cfg.Providers) == 0 {
		return Route{}, ErrNoProviders
	}

	for _, route := range r.cfg.Router.Routes {
		if route.Model != requestedModel {
			continue
		}
		provider, ok := r.cfg.Provider(route.Provider)
		if !ok {
			return Route{}, errors.Newf("route %q: unknown provider %q", requestedModel, route.Provider)
		}
		model := route.Target
		if model == "" {
			model = requestedModel
		}
		return Route{Provider: provider, Model: model}, nil
	}

	for _, p := range r.cfg.Providers {
		for _, m := range p.Models {
			if m == requestedModel {
				return Route{Provider: p, Model: requestedModel}, nil
			}
		}
	}

	// no route or listing: default to the first provider
	return Route{Provider: r.cfg.Providers[0], Model: requestedModel}, nil
}
