package esgf

import "time"

// Config configures the ESGF search/fetch client.
type Config struct {
	// SearchURL is the ESGF Search API endpoint.
	// Default: https://esgf-node.llnl.gov/esg-search/search
	SearchURL string

	// Timeout bounds each HTTP request. Default: 60s.
	Timeout time.Duration

	// PageSize is the search page size. Default: 500.
	PageSize int

	// UserAgent identifies this client to federation nodes.
	UserAgent string
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		SearchURL: "https://esgf-node.llnl.gov/esg-search/search",
		Timeout:   60 * time.Second,
		PageSize:  500,
		UserAgent: "descargar-datos",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SearchURL == "" {
		c.SearchURL = d.SearchURL
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}
