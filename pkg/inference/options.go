package inference

import "net/http"

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Option func(*Config)

func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

func NewConfig(apiKey string, options ...Option) *Config {
	c := &Config{APIKey: apiKey}
	for _, o := range options {
		o(c)
	}
	return c
}
