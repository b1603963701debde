package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Collection is one WFS3 collection drawn as a layer.
type Collection struct {
	Name  string
	Title string
	URL   string
}

type KafkaCfg struct {
	Brokers          []string
	ViewportSource   bool
	ViewportTopic    string
	GroupID          string
	GenerationEvents bool
	GenerationTopic  string
	QueueSize        int
}

type RedisCfg struct {
	Enabled bool
	Addr    string
	H3Res   int
	OpTTL   time.Duration
}

type Config struct {
	Addr              string
	LogLevel          string
	LogConsole        bool
	LogSampleN        int
	Collections       []Collection
	WFS3Timeout       time.Duration
	SessionCacheSize  int
	IdentifyTolerance float64
	WaitTimeout       time.Duration
	Redis             RedisCfg
	Kafka             KafkaCfg
}

const defaultLayers = "Large Lakes=https://demo.pygeoapi.io/master/collections/lakes;" +
	"Cities in Utah=https://demo.pygeoapi.io/master/collections/utah_city_locations"

// LoadDotEnv loads KEY=VALUE pairs from file without overriding the process environment.
// A missing file is not an error.
func LoadDotEnv(file string) error {
	if strings.TrimSpace(file) == "" {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func FromEnv() Config {
	h3Res := getint("H3_RES", 8)
	if h3Res < 0 || h3Res > 15 {
		h3Res = 8
	}
	brokers := splitCSV(getenv("KAFKA_BROKERS", "localhost:9092"))

	return Config{
		Addr:              getenv("ADDR", ":8090"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogConsole:        getbool("LOG_CONSOLE", false),
		LogSampleN:        getint("LOG_SAMPLE_N", 0),
		Collections:       ParseCollections(getenv("LAYERS", defaultLayers)),
		WFS3Timeout:       getduration("WFS3_TIMEOUT", 30*time.Second),
		SessionCacheSize:  getint("SESSION_CACHE_SIZE", 256),
		IdentifyTolerance: getfloat("IDENTIFY_TOLERANCE", 1e-4),
		WaitTimeout:       getduration("VIEWPORT_WAIT_TIMEOUT", 10*time.Second),
		Redis: RedisCfg{
			Enabled: getbool("REDIS_SINK_ENABLED", false),
			Addr:    getenv("REDIS_ADDR", "localhost:6379"),
			H3Res:   h3Res,
			OpTTL:   getduration("REDIS_OP_TIMEOUT", 2*time.Second),
		},
		Kafka: KafkaCfg{
			Brokers:          brokers,
			ViewportSource:   getbool("KAFKA_VIEWPORT_SOURCE", false),
			ViewportTopic:    getenv("KAFKA_VIEWPORT_TOPIC", "viewport-changes"),
			GroupID:          getenv("KAFKA_GROUP_ID", "wfs3-feature-stream"),
			GenerationEvents: getbool("KAFKA_GENERATION_EVENTS", false),
			GenerationTopic:  getenv("KAFKA_GENERATION_TOPIC", "wfs3-generations"),
			QueueSize:        getint("KAFKA_QUEUE_SIZE", 1024),
		},
	}
}

// ParseCollections parses "title=url;title=url". An entry without a title uses
// the collection id (last path segment) for both name and title.
func ParseCollections(s string) []Collection {
	var out []Collection
	seen := map[string]bool{}
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		title, raw := "", entry
		// a bare URL contains "=" only inside its query, so split on the first "=" before "://"
		if i := strings.Index(entry, "="); i >= 0 && i < strings.Index(entry, "://") {
			title = strings.TrimSpace(entry[:i])
			raw = strings.TrimSpace(entry[i+1:])
		}
		if raw == "" {
			continue
		}
		name := collectionID(raw)
		if title == "" {
			title = name
		}
		name = uniqueName(seen, name)
		out = append(out, Collection{Name: name, Title: title, URL: raw})
	}
	return out
}

// uniqueName keeps names unique so they can be used as route params and sink keys.
func uniqueName(seen map[string]bool, name string) string {
	candidate := name
	for n := 2; seen[candidate]; n++ {
		candidate = fmt.Sprintf("%s-%d", name, n)
	}
	seen[candidate] = true
	return candidate
}

func collectionID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return sanitize(raw)
	}
	return sanitize(path.Base(strings.TrimRight(u.Path, "/")))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "layer"
	}
	return b.String()
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

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
