package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Alia5/CANIPER/internal/configpaths"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit writes a template holding every option of a command with its
// default value, keyed the way the config loaders expect.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"server,proxy,dump"`
	Format  string `help:"Output format" enum:"json,yaml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to <command>.<format> in the working directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

// configurable are the commands a template can be generated for.
var configurable = map[string]reflect.Type{
	"server": reflect.TypeFor[Server](),
	"proxy":  reflect.TypeFor[Proxy](),
	"dump":   reflect.TypeFor[Dump](),
}

var encoders = map[configpaths.Format]func(any) ([]byte, error){
	configpaths.JSON: func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	configpaths.YAML: yaml.Marshal,
	configpaths.TOML: toml.Marshal,
}

func (c *ConfigInit) Run() error {
	format := configpaths.ParseFormat(c.Format)
	encode, ok := encoders[format]
	if !ok {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}
	typ, ok := configurable[c.Command]
	if !ok {
		return fmt.Errorf("unknown command %q; expected server, proxy or dump", c.Command)
	}

	dest := c.Output
	if dest == "" {
		dest = configpaths.File(".", c.Command, format)
	}
	if _, err := os.Stat(dest); err == nil && !c.Force {
		return fmt.Errorf("%s exists; use --force to overwrite", dest)
	}

	data, err := encode(template(typ))
	if err != nil {
		return fmt.Errorf("encode %s template: %w", format, err)
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// configKey is the snake_case form of kong's flag name, which the config
// resolvers accept: MetricsAddr becomes metrics_addr.
func configKey(f reflect.StructField) string {
	if n := f.Tag.Get("name"); n != "" {
		return n
	}
	r := []rune(f.Name)
	var b strings.Builder
	for i, c := range r {
		if !unicode.IsUpper(c) {
			b.WriteRune(c)
			continue
		}
		wordStart := i > 0 && (unicode.IsLower(r[i-1]) || (i+1 < len(r) && unicode.IsLower(r[i+1])))
		if wordStart {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

// template maps the kong flags of a command struct to their defaults.
// Embedded groups become nested tables named after their prefix.
func template(t reflect.Type) map[string]any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, embedded := f.Tag.Lookup("embed"); embedded {
			sub := template(f.Type)
			if name := strings.TrimSuffix(f.Tag.Get("prefix"), "."); name != "" {
				out[name] = sub
				continue
			}
			for k, v := range sub {
				out[k] = v
			}
			continue
		}
		if v := defaultOf(f.Type, f.Tag.Get("default")); v != nil {
			out[configKey(f)] = v
		}
	}
	return out
}

// defaultOf converts a kong default tag to a value of t's kind. Durations
// stay strings; unparsable numbers fall back to zero.
func defaultOf(t reflect.Type, def string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == reflect.TypeFor[time.Duration]() {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(def, 10, 64); err == nil {
			return n
		}
		return 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n, err := strconv.ParseUint(def, 10, 64); err == nil {
			return n
		}
		return 0
	case reflect.Float32, reflect.Float64:
		if n, err := strconv.ParseFloat(def, 64); err == nil {
			return n
		}
		return 0
	case reflect.Struct:
		return template(t)
	}
	return nil
}
