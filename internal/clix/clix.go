package clix

import (
	"reflect"
	"time"

	"github.com/urfave/cli/v2"
)

// Parse populates a config struct from cli flags, matching fields by their
// `cli` tag. Untagged struct fields are descended into, which lets components
// embed each other's configs.
func Parse[A any](c *cli.Context) A {
	var cfg A
	assign(c, reflect.ValueOf(&cfg).Elem())
	return cfg
}

func assign(c *cli.Context, val reflect.Value) {
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		tag := val.Type().Field(i).Tag.Get("cli")

		if tag == "" {
			if field.Kind() == reflect.Struct && field.Addr().CanInterface() {
				assign(c, field)
			}
			continue
		}

		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			field.Set(reflect.ValueOf(c.Duration(tag)))
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(c.String(tag))
		case reflect.Int:
			field.SetInt(int64(c.Int(tag)))
		case reflect.Int64:
			field.SetInt(c.Int64(tag))
		case reflect.Uint:
			field.SetUint(uint64(c.Uint(tag)))
		case reflect.Uint64:
			field.SetUint(c.Uint64(tag))
		case reflect.Bool:
			field.SetBool(c.Bool(tag))
		case reflect.Float64:
			field.SetFloat(c.Float64(tag))
		case reflect.Slice:
			if field.Type() == reflect.TypeOf([]string{}) {
				field.Set(reflect.ValueOf(c.StringSlice(tag)))
			}
		}
	}
}
