package session

import (
	"io"

	yaml "gopkg.in/yaml.v2"
)

type BrokerConfig struct {
	URL     string            `yaml:"url"`
	Dialect string            `yaml:"dialect"`
	Tenant  string            `yaml:"tenant"`
	Headers map[string]string `yaml:"headers"`
}

type LayerConfig struct {
	EntityType   string `yaml:"entityType" json:"entityType"`
	GeoProperty  string `yaml:"geoProperty" json:"geoProperty,omitempty"`
	GeometryName string `yaml:"geometryName" json:"geometryName,omitempty"`
	// EventSourceURL overrides the event source found through discovery
	EventSourceURL   string `yaml:"eventSourceUrl" json:"eventSourceUrl,omitempty"`
	MonotonicRefresh bool   `yaml:"monotonicRefresh" json:"monotonicRefresh,omitempty"`
	Hidden           bool   `yaml:"hidden" json:"hidden,omitempty"`
}

type Config struct {
	Broker         BrokerConfig  `yaml:"broker"`
	Projection     string        `yaml:"projection"`
	DataProjection string        `yaml:"dataProjection"`
	Layers         []LayerConfig `yaml:"layers"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)

	return cfg, err
}
