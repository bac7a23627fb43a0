package trip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrice(t *testing.T) {
	cfg := DefaultPriceConfig()

	tests := []struct {
		name      string
		distanceM int
		want      float64
	}{
		{"short trip inside free distance", 1500, 25000},
		{"exactly free distance", 2000, 25000},
		{"five km", 5000, 49000},
		{"ten km", 10000, 89000},
		{"zero distance", 0, 25000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Price(tt.distanceM))
		})
	}
}

func TestEarn(t *testing.T) {
	cfg := DefaultPriceConfig()
	assert.Equal(t, 36750.0, cfg.Earn(49000))
	assert.Equal(t, 18750.0, cfg.Earn(25000))
}

func TestTerminal(t *testing.T) {
	terminal := []Status{StatusFinished, StatusCanceled, StatusCanceledByDriver}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
	}
	active := []Status{StatusAvailable, StatusPending, StatusOnTheWay, StatusWaitingForCustomer, StatusDriving}
	for _, s := range active {
		assert.False(t, s.Terminal(), string(s))
	}
}
