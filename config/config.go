// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/shardmerge/internal/httpclient"
	"github.com/cardinalhq/shardmerge/internal/storageprofile"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Pipeline Pipeline                      `mapstructure:"pipeline"`
	Storage  storageprofile.StorageProfile `mapstructure:"storage"`
	// ProfilesFile optionally maps buckets to storage profiles. It may be
	// given as "env:VAR" to read the YAML from an environment variable.
	ProfilesFile string            `mapstructure:"profiles_file"`
	HTTP         httpclient.Config `mapstructure:"http"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "SHARDMERGE" and the dot character
// in keys is replaced by an underscore. For example, "pipeline.worker_count"
// becomes "SHARDMERGE_PIPELINE_WORKER_COUNT".
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: httpclient.DefaultConfig(),
	}

	v := viper.New()
	v.SetConfigName("shardmerge")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SHARDMERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
