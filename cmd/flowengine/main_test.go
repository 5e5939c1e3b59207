package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func Test_InitConfig_EnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("FLOWENGINE_DB_DRIVER", "postgres")
	t.Setenv("FLOWENGINE_TRACING_EXPORTER", "stdout")

	require.NoError(t, initConfig(""))

	require.Equal(t, "postgres", viper.GetString("db.driver"))
	require.Equal(t, "stdout", viper.GetString("tracing.exporter"))

	// Defaults still apply where no override is set.
	require.Equal(t, ":8090", viper.GetString("listen"))
}
