package schema

import (
	"testing"

	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRejectsWithField(t *testing.T) {
	usdt := Instrument{Key: Key("binance", "USDT"), Kind: InstrumentSpot, Conversion: ConversionIdentity}
	reg := NewRegistry("USDT")
	require.NoError(t, reg.Add(usdt))

	tests := []struct {
		name  string
		inst  Instrument
		code  exception.Code
		field string
	}{
		{"no venue", Instrument{Key: Key("", "USDT"), Kind: InstrumentSpot, Conversion: ConversionIdentity}, exception.CodeConfigMissing, "venue"},
		{"no asset", Instrument{Key: Key("okx", ""), Kind: InstrumentSpot, Conversion: ConversionIdentity}, exception.CodeConfigMissing, "asset"},
		{"no kind", Instrument{Key: Key("okx", "BTC"), Conversion: ConversionSpotPrice}, exception.CodeConfigInvalid, "kind"},
		{"no conversion", Instrument{Key: Key("okx", "BTC"), Kind: InstrumentSpot}, exception.CodeNoConversionRule, "conversion"},
		{"duplicate", usdt, exception.CodeConfigInvalid, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Add(tt.inst)
			require.ErrorIs(t, err, exception.ErrConfiguration)
			e, ok := exception.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, e.Code)
			field, _ := e.Field("field")
			assert.Equal(t, tt.field, field)
		})
	}
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []Venue{"binance"}, reg.Venues())
}
