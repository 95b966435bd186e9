package util

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// TagDefault is the tag name for a default value of a field as recognized
	// by RegisterFlags.
	TagDefault = "def"
	// TagHelp is the tag name for a help message of a field as recognized
	// by RegisterFlags.
	TagHelp = "help"
	// TagOpt is the tag name for a one character option of a field as recognized
	// by RegisterFlags.  For example, a value of "d" reserves "-d" for the
	// command line argument.
	TagOpt = "opt"
	// TagSkip is the tag name which causes the field to be skipped by
	// RegisterFlags.
	TagSkip = "skip"
)

// Field is a leaf field of an arbitrary configuration struct
type Field struct {
	Name string
	Path string
	Kind reflect.Kind
	Type reflect.Type
	Tag  reflect.StructTag
	Addr interface{}
}

type flagRegistrar struct {
	flags *pflag.FlagSet
	viper *viper.Viper
}

func (fr *flagRegistrar) register(f *Field) (err error) {
	if f.Tag.Get(TagSkip) != "" {
		return nil
	}

	help := f.Tag.Get(TagHelp)
	opt := f.Tag.Get(TagOpt)
	def := f.Tag.Get(TagDefault)

	switch f.Kind {
	case reflect.String:
		fr.flags.StringVarP(f.Addr.(*string), f.Path, opt, def, help)
	case reflect.Int:
		var intDef int
		if def != "" {
			intDef, err = strconv.Atoi(def)
			if err != nil {
				return errors.Errorf("Invalid integer value in 'def' tag of %s field", f.Path)
			}
		}
		fr.flags.IntVarP(f.Addr.(*int), f.Path, opt, intDef, help)
	case reflect.Int64:
		d, ok := f.Addr.(*time.Duration)
		if !ok {
			return errors.Errorf("Unsupported int64 field: %s", f.Path)
		}
		var durDef time.Duration
		if def != "" {
			durDef, err = time.ParseDuration(def)
			if err != nil {
				return errors.Errorf("Invalid duration value in 'def' tag of %s field", f.Path)
			}
		}
		fr.flags.DurationVarP(d, f.Path, opt, durDef, help)
	case reflect.Bool:
		var boolDef bool
		if def != "" {
			boolDef, err = strconv.ParseBool(def)
			if err != nil {
				return errors.Errorf("Invalid boolean value in 'def' tag of %s field", f.Path)
			}
		}
		fr.flags.BoolVarP(f.Addr.(*bool), f.Path, opt, boolDef, help)
	case reflect.Slice:
		if f.Type.Elem().Kind() != reflect.String {
			return nil
		}
		fr.flags.StringSliceVarP(f.Addr.(*[]string), f.Path, opt, nil, help)
	default:
		log.Debugf("Not registering flag for '%s' because it is a currently unsupported type: %s", f.Path, f.Kind)
		return nil
	}

	bindFlag(fr.viper, fr.flags, f.Path)
	return nil
}

// RegisterFlags registers flags for all leaf fields of an arbitrary 'config'
// object. Recognized field tags: "def" (default value), "opt" (one character
// short option), "help" (usage message), and "skip".
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet, config interface{}) error {
	fr := &flagRegistrar{flags: flags, viper: v}
	return ParseObject(config, fr.register)
}

// ParseObject walks an object structure, calling back with field info for
// each leaf field
func ParseObject(obj interface{}, cb func(*Field) error) error {
	if cb == nil {
		return errors.New("nil callback")
	}
	return parseFields(reflect.ValueOf(obj), "", cb)
}

func parseFields(val reflect.Value, path string, cb func(*Field) error) error {
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.Errorf("Cannot register flags for non-struct value at '%s'", path)
	}

	v := val.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := v.Field(i)
		name := strings.ToLower(sf.Name)
		fieldPath := name
		if path != "" {
			fieldPath = fmt.Sprintf("%s.%s", path, name)
		}

		// Durations are int64 under the hood but are leaves, not structs.
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Time{}) {
			if err := parseFields(fv.Addr(), fieldPath, cb); err != nil {
				return err
			}
			continue
		}

		if !fv.CanAddr() {
			return errors.Errorf("Field is not addressable: %s", fieldPath)
		}
		err := cb(&Field{
			Name: sf.Name,
			Path: fieldPath,
			Kind: fv.Kind(),
			Type: fv.Type(),
			Tag:  sf.Tag,
			Addr: fv.Addr().Interface(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Errorf("failed to lookup '%s'", name))
	}
	v.BindPFlag(name, flag)
}
