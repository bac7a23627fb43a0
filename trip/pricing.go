package trip

// PriceConfig is the fare schedule. Amounts are in VND.
type PriceConfig struct {
	// BaseFare covers the first FreeKm kilometres.
	BaseFare float64
	// PerKmRate is charged per kilometre beyond FreeKm.
	PerKmRate float64
	FreeKm    float64
	// NetRate is the fraction of the fare the driver keeps.
	NetRate float64
}

func DefaultPriceConfig() PriceConfig {
	return PriceConfig{
		BaseFare:  25000,
		PerKmRate: 8000,
		FreeKm:    2,
		NetRate:   0.75,
	}
}

// Price computes the fare for a trip of distanceM metres.
func (c PriceConfig) Price(distanceM int) float64 {
	km := float64(distanceM) / 1000
	extra := km - c.FreeKm
	if extra < 0 {
		extra = 0
	}
	return c.BaseFare + extra*c.PerKmRate
}

// Earn is the driver's share of the given fare.
func (c PriceConfig) Earn(price float64) float64 {
	return price * c.NetRate
}
