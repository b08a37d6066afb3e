// README: Pricing rate; amounts are integer minor units (cents).
package pricing

type Rate struct {
	BaseCents    int64
	PerKmCents   int64
	MinimumCents int64
	Currency     string
}
