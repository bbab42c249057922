package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type LayerEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr             string
	LogLevel         string
	LogConsole       bool
	Workspace        string
	RedisAddr        string
	PersistOpTimeout time.Duration
	MetadataURL      string
	QueryURL         string
	QueryCollection  string
	QueryLimit       int
	TileURL          string
	StyleURLs        map[string]string
	DefaultStyle     string
	KindCacheSize    int
	QueryCacheSize   int
	QueryH3Res       int
	UpstreamTimeout  time.Duration
	LayerEvents      LayerEventsCfg
}

func FromEnv() Config {
	res := getint("QUERY_H3_RES", 7)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	styles := parseStringMap(getenv("STYLE_URLS", "streets=http://localhost:8080/styles/streets.json"))
	def := getenv("DEFAULT_STYLE", "")
	if _, ok := styles[def]; !ok {
		def = firstKey(styles)
	}

	return Config{
		Addr:             getenv("ADDR", ":8095"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogConsole:       getbool("LOG_CONSOLE", false),
		Workspace:        getenv("WORKSPACE", "default"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		PersistOpTimeout: getduration("PERSIST_OP_TIMEOUT", 250*time.Millisecond),
		MetadataURL:      getenv("METADATA_URL", "http://localhost:8080/layers/{layer}/geometry-type"),
		QueryURL:         getenv("QUERY_URL", "http://localhost:8080/collections"),
		QueryCollection:  getenv("QUERY_COLLECTION", "features"),
		QueryLimit:       max(getint("QUERY_LIMIT", 500), 1),
		TileURL:          getenv("TILE_URL", "http://localhost:8080/tiles/{layer}/{z}/{x}/{y}.pbf"),
		StyleURLs:        styles,
		DefaultStyle:     def,
		KindCacheSize:    max(getint("KIND_CACHE_SIZE", 256), 1),
		QueryCacheSize:   max(getint("QUERY_CACHE_SIZE", 64), 1),
		QueryH3Res:       res,
		UpstreamTimeout:  getduration("UPSTREAM_TIMEOUT", 10*time.Second),
		LayerEvents: LayerEventsCfg{
			Enabled: getbool("LAYER_EVENTS_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "layer-changes"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "mapsync"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "streets=http://a,dark=http://b" into map
func parseStringMap(s string) map[string]string {
	out := map[string]string{}
	for p := range strings.SplitSeq(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		k, v := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// firstKey picks a deterministic default when DEFAULT_STYLE is unset.
func firstKey(m map[string]string) string {
	best := ""
	for k := range m {
		if best == "" || k < best {
			best = k
		}
	}
	return best
}
