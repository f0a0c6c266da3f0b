package config

import (
	"math"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// BackendKind names a storage engine family.
type BackendKind string

const (
	KindQdrant  BackendKind = "qdrant"
	KindNeo4j   BackendKind = "neo4j"
	KindCache   BackendKind = "cache"
	KindChromem BackendKind = "chromem"
)

// BackendConfig is a tagged union: Kind selects which connection block is set.
// Exactly one of the connection pointers is non-nil after a successful decode.
type BackendConfig struct {
	Name   string
	Kind   BackendKind
	Weight float64

	Qdrant  *QdrantConnection
	Neo4j   *Neo4jConnection
	Cache   *CacheConnection
	Chromem *ChromemConnection
}

// QdrantConnection addresses a qdrant instance over gRPC.
type QdrantConnection struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// Neo4jConnection addresses a neo4j database over bolt.
type Neo4jConnection struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// CacheConnection sizes the in-process cache.
type CacheConnection struct {
	MaxItems int64 `yaml:"max_items"`
}

// ChromemConnection configures the embedded vector store. An empty Path keeps
// the store in memory only.
type ChromemConnection struct {
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
}

type rawBackend struct {
	Name       string      `yaml:"name"`
	Kind       BackendKind `yaml:"kind"`
	Weight     *float64    `yaml:"weight"`
	Connection yaml.Node   `yaml:"connection"`
}

// UnmarshalYAML decodes the connection block into the struct matching kind.
func (b *BackendConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw rawBackend
	if err := node.Decode(&raw); err != nil {
		return err
	}
	out := BackendConfig{
		Name:   strings.TrimSpace(raw.Name),
		Kind:   BackendKind(strings.ToLower(strings.TrimSpace(string(raw.Kind)))),
		Weight: 1.0,
	}
	if raw.Weight != nil {
		out.Weight = *raw.Weight
	}

	hasConn := raw.Connection.Kind != 0
	decode := func(v any) error {
		if !hasConn {
			return nil
		}
		return raw.Connection.Decode(v)
	}

	switch out.Kind {
	case KindQdrant:
		out.Qdrant = &QdrantConnection{}
		if err := decode(out.Qdrant); err != nil {
			return err
		}
	case KindNeo4j:
		out.Neo4j = &Neo4jConnection{}
		if err := decode(out.Neo4j); err != nil {
			return err
		}
	case KindCache:
		out.Cache = &CacheConnection{}
		if err := decode(out.Cache); err != nil {
			return err
		}
	case KindChromem:
		out.Chromem = &ChromemConnection{}
		if err := decode(out.Chromem); err != nil {
			return err
		}
	}
	*b = out
	return nil
}

func (b *BackendConfig) validate() error {
	if b.Name == "" {
		return invalid("backend name must not be empty")
	}
	if math.IsNaN(b.Weight) || math.IsInf(b.Weight, 0) || b.Weight <= 0 {
		return invalid("backend weight must be a positive number", goerr.V("weight", b.Weight))
	}

	set := 0
	for _, ok := range []bool{b.Qdrant != nil, b.Neo4j != nil, b.Cache != nil, b.Chromem != nil} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return invalid("backend must carry exactly one connection block")
	}

	switch b.Kind {
	case KindQdrant:
		if b.Qdrant == nil {
			return invalid("qdrant backend requires a connection block")
		}
		if b.Qdrant.Host == "" {
			return invalid("qdrant connection.host must not be empty")
		}
		if b.Qdrant.Port == 0 {
			b.Qdrant.Port = 6334
		}
		if b.Qdrant.Collection == "" {
			b.Qdrant.Collection = "memories"
		}
	case KindNeo4j:
		if b.Neo4j == nil {
			return invalid("neo4j backend requires a connection block")
		}
		if b.Neo4j.URI == "" {
			return invalid("neo4j connection.uri must not be empty")
		}
		if b.Neo4j.Database == "" {
			b.Neo4j.Database = "neo4j"
		}
	case KindCache:
		if b.Cache == nil {
			b.Cache = &CacheConnection{}
		}
		if b.Cache.MaxItems < 0 {
			return invalid("cache connection.max_items must be >= 0")
		}
		if b.Cache.MaxItems == 0 {
			b.Cache.MaxItems = 10000
		}
	case KindChromem:
		if b.Chromem == nil {
			b.Chromem = &ChromemConnection{}
		}
		if b.Chromem.Collection == "" {
			b.Chromem.Collection = "memories"
		}
	case "":
		return invalid("backend kind must not be empty")
	default:
		return invalid("unknown backend kind", goerr.V("kind", string(b.Kind)))
	}
	return nil
}
