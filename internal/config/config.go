package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load populates config, which must be a pointer to a struct, from
// three layers in increasing precedence: the defaults already set on
// config, the optional config file, and environment variables with
// dots replaced by underscores (redis.leaderboard.addr becomes
// REDIS_LEADERBOARD_ADDR).
func Load(file string, config any) error {
	v := viper.New()
	m := make(map[string]any)

	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge defaults: %v", err)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}
