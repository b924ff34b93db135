package cmd

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/usbtest/internal/configpaths"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit writes the defaults of one command as a configuration file.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"server,proxy,probe"`
	Format  string `help:"Output format" enum:"json,yaml,yml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to <command>.<ext> in the current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

// templated are the commands a template can be generated for.
var templated = map[string]reflect.Type{
	"server": reflect.TypeFor[Server](),
	"proxy":  reflect.TypeFor[Proxy](),
	"probe":  reflect.TypeFor[Probe](),
}

var encoders = map[string]func(any) ([]byte, error){
	"":     func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	"json": func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	"yaml": yaml.Marshal,
	"yml":  yaml.Marshal,
	"toml": func(v any) ([]byte, error) { return toml.Marshal(v) },
}

func (c *ConfigInit) Run() error {
	data, err := c.Render()
	if err != nil {
		return err
	}
	dest := c.Output
	if dest == "" {
		dest = c.Command + "." + configpaths.Extension(c.Format)
	}
	if _, err := os.Stat(dest); err == nil && !c.Force {
		return fmt.Errorf("%s exists; use --force to overwrite", dest)
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// Render returns the template without writing it.
func (c *ConfigInit) Render() ([]byte, error) {
	t, ok := templated[c.Command]
	if !ok {
		return nil, fmt.Errorf("unknown command %q; expected server, proxy or probe", c.Command)
	}
	encode, ok := encoders[strings.ToLower(c.Format)]
	if !ok {
		return nil, fmt.Errorf("unsupported format: %s", c.Format)
	}
	return encode(defaults(t))
}

// defaults maps the configuration keys of t's flags to their kong
// defaults. Embedded structs with a prefix become nested sections.
func defaults(t reflect.Type) map[string]any {
	out := map[string]any{}
	for _, f := range reflect.VisibleFields(t) {
		if len(f.Index) > 1 || !f.IsExported() || f.Tag.Get("kong") == "-" || f.Tag.Get("help") == "-" {
			continue
		}
		_, embed := f.Tag.Lookup("embed")
		switch {
		case embed || f.Anonymous:
			sub := defaults(f.Type)
			if section := strings.TrimSuffix(f.Tag.Get("prefix"), "."); section != "" {
				out[section] = sub
			} else {
				maps.Copy(out, sub)
			}
		default:
			if v := defaultValue(f.Type, f.Tag.Get("default")); v != nil {
				out[configKey(f)] = v
			}
		}
	}
	return out
}

func defaultValue(t reflect.Type, def string) any {
	if t == reflect.TypeFor[time.Duration]() {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.Pointer:
		return defaultValue(t.Elem(), def)
	case reflect.String:
		return def
	case reflect.Bool:
		v, _ := strconv.ParseBool(def)
		return v
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, _ := strconv.ParseInt(def, 0, 64)
		return v
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, _ := strconv.ParseUint(def, 0, 64)
		return v
	case reflect.Float32, reflect.Float64:
		v, _ := strconv.ParseFloat(def, 64)
		return v
	case reflect.Struct:
		return defaults(t)
	case reflect.Slice:
		if t.Elem().Kind() != reflect.String {
			return nil
		}
		items := []string{}
		for item := range strings.SplitSeq(def, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items
	}
	return nil
}

// configKey is the key kong's configuration resolvers look up for a flag:
// its snake_cased name. An explicit name tag wins.
func configKey(f reflect.StructField) string {
	if name := f.Tag.Get("name"); name != "" {
		return strings.ReplaceAll(name, "-", "_")
	}
	var words []string
	r := []rune(f.Name)
	start := 0
	for i := 1; i < len(r); i++ {
		lowerToUpper := !unicode.IsUpper(r[i-1]) && unicode.IsUpper(r[i])
		acronymEnd := unicode.IsUpper(r[i-1]) && unicode.IsUpper(r[i]) && i+1 < len(r) && unicode.IsLower(r[i+1])
		if lowerToUpper || acronymEnd {
			words = append(words, string(r[start:i]))
			start = i
		}
	}
	words = append(words, string(r[start:]))
	return strings.ToLower(strings.Join(words, "_"))
}
