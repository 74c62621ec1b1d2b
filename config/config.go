package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MapModel is the list table a map is rendered from.
type MapModel int

const (
	// MapCombined maps are rendered from typed from/rcpt/ip columns.
	MapCombined MapModel = iota + 1
	// MapGeneric maps are rendered as "pattern score" lines.
	MapGeneric
)

func (m MapModel) String() string {
	switch m {
	case MapCombined:
		return "combined"
	case MapGeneric:
		return "generic"
	default:
		return fmt.Sprintf("MapModel(%d)", int(m))
	}
}

// Columns usable as map fields of the combined model.
var CombinedFields = []string{"smtp_from", "rcpt_to", "ip"}

var (
	ErrUnknownMapModel = errors.New("unknown map model")
	ErrInvalidMapField = errors.New("invalid map field")
)

type ObjectStorage struct {
	Endpoint  string `yaml:"Endpoint"`
	AccessKey string `yaml:"AccessKey"`
	SecretKey string `yaml:"SecretKey"`
	Bucket    string `yaml:"Bucket"`
	Region    string `yaml:"Region"`
	Prefix    string `yaml:"Prefix"`
}

type Database struct {
	// mysql, postgres or sqlite
	Driver string `yaml:"Driver"`
	DSN    string `yaml:"DSN"`
}

type Log struct {
	File      string `yaml:"File"`
	Format    string `yaml:"Format"`
	Level     string `yaml:"Level"`
	Syslog    bool   `yaml:"Syslog"`
	SyslogTag string `yaml:"SyslogTag"`
}

type Auth struct {
	User       string   `yaml:"User"`
	Password   string   `yaml:"Password"`
	AllowedIPs []string `yaml:"AllowedIPs"`
}

type Quarantine struct {
	Dir      string `yaml:"Dir"`
	Compress bool   `yaml:"Compress"`
	// action name -> store raw message
	StoreSettings map[string]bool `yaml:"StoreSettings"`
	RetentionDays int             `yaml:"RetentionDays"`
	SweepBatch    int             `yaml:"SweepBatch"`
	Archive       ObjectStorage   `yaml:"Archive"`
}

type MapDefinition struct {
	Name   string   `yaml:"Name"`
	Model  string   `yaml:"Model"`
	Fields []string `yaml:"Fields"`
}

// Map is a validated map definition.
type Map struct {
	Name   string
	Model  MapModel
	Fields []string
}

type Maps struct {
	Dir         string          `yaml:"Dir"`
	FileMode    string          `yaml:"FileMode"`
	Definitions []MapDefinition `yaml:"Definitions"`

	Mode     os.FileMode `yaml:"-"`
	Resolved []Map       `yaml:"-"`
}

type Debug struct {
	Enabled bool   `yaml:"Enabled"`
	Dir     string `yaml:"Dir"`
}

type Lock struct {
	Redis string `yaml:"Redis"`
	File  string `yaml:"File"`
}

type Config struct {
	Server     string     `yaml:"Server"`
	Listen     string     `yaml:"Listen"`
	Database   Database   `yaml:"Database"`
	Log        Log        `yaml:"Log"`
	Auth       Auth       `yaml:"Auth"`
	Quarantine Quarantine `yaml:"Quarantine"`
	Maps       Maps       `yaml:"Maps"`
	Debug      Debug      `yaml:"Debug"`
	Lock       Lock       `yaml:"Lock"`
}

func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Config, error) {
	var conf Config
	if err := yaml.Unmarshal(buf, &conf); err != nil {
		return nil, err
	}

	conf.setDefaults()
	if err := conf.resolve(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Server == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server = host
		} else {
			c.Server = "localhost"
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.SyslogTag == "" {
		c.Log.SyslogTag = "quarantined"
	}
	if c.Quarantine.RetentionDays <= 0 {
		c.Quarantine.RetentionDays = 365
	}
	if c.Quarantine.SweepBatch <= 0 {
		c.Quarantine.SweepBatch = 500
	}
	if c.Maps.FileMode == "" {
		c.Maps.FileMode = "0644"
	}
	if c.Lock.Redis == "" && c.Lock.File == "" {
		c.Lock.File = filepath.Join(os.TempDir(), "quarantined-sweep.lock")
	}
}

func (c *Config) resolve() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	mode, err := strconv.ParseUint(c.Maps.FileMode, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid map file mode %q: %w", c.Maps.FileMode, err)
	}
	c.Maps.Mode = os.FileMode(mode) & os.ModePerm

	for _, dir := range []*string{&c.Quarantine.Dir, &c.Maps.Dir} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", *dir, err)
		}
		*dir = abs
	}

	settings := make(map[string]bool, len(c.Quarantine.StoreSettings))
	for action, store := range c.Quarantine.StoreSettings {
		settings[strings.ToLower(strings.TrimSpace(action))] = store
	}
	c.Quarantine.StoreSettings = settings

	seen := make(map[string]bool)
	c.Maps.Resolved = c.Maps.Resolved[:0]
	for _, def := range c.Maps.Definitions {
		m, err := def.resolve()
		if err != nil {
			return err
		}
		key := MapKey(m.Name)
		if seen[key] {
			return fmt.Errorf("map %q defined twice", m.Name)
		}
		seen[key] = true
		c.Maps.Resolved = append(c.Maps.Resolved, m)
	}
	return nil
}

func (d MapDefinition) resolve() (Map, error) {
	m := Map{Name: strings.TrimSpace(d.Name)}
	if m.Name == "" || MapKey(m.Name) == "" {
		return m, fmt.Errorf("map definition without name")
	}
	if strings.ContainsAny(m.Name, `/\`) || strings.HasPrefix(m.Name, ".") {
		return m, fmt.Errorf("map %q: name is not a plain file name", m.Name)
	}

	switch strings.ToLower(strings.TrimSpace(d.Model)) {
	case "combined":
		m.Model = MapCombined
		if len(d.Fields) == 0 || len(d.Fields) > 2 {
			return m, fmt.Errorf("map %s: %w: combined maps need one or two fields", m.Name, ErrInvalidMapField)
		}
		for _, f := range d.Fields {
			f = strings.ToLower(strings.TrimSpace(f))
			if !isCombinedField(f) {
				return m, fmt.Errorf("map %s: %w: %q", m.Name, ErrInvalidMapField, f)
			}
			m.Fields = append(m.Fields, f)
		}
	case "generic":
		m.Model = MapGeneric
		m.Fields = []string{"pattern", "score"}
	default:
		return m, fmt.Errorf("map %s: %w: %q", m.Name, ErrUnknownMapModel, d.Model)
	}
	return m, nil
}

func isCombinedField(f string) bool {
	for _, c := range CombinedFields {
		if c == f {
			return true
		}
	}
	return false
}

// MapKey folds a map name for lookup: lower case, letters and digits only.
func MapKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LookupMap finds a configured map ignoring case and punctuation.
func (m *Maps) LookupMap(name string) (Map, bool) {
	key := MapKey(name)
	if key == "" {
		return Map{}, false
	}
	for _, mp := range m.Resolved {
		if MapKey(mp.Name) == key {
			return mp, true
		}
	}
	return Map{}, false
}

// ShouldStore reports whether messages with the given action are quarantined.
func (q *Quarantine) ShouldStore(action string) bool {
	return q.StoreSettings[strings.ToLower(strings.TrimSpace(action))]
}
