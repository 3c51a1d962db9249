package domain

// ResultCode is the HTTP-style status the resolver reports for one settlement
// cycle. Any 2xx code is a success; everything else is a strike.
type ResultCode uint16

const (
	// CodeExecuted is the plain success code.
	CodeExecuted ResultCode = 200

	// CodeRouterError marks a failure in the external swap leg, before any
	// strategy deposit. Escrow is refunded from the resolver.
	CodeRouterError ResultCode = 400

	// CodeStrategyError marks a failure in the yield-strategy deposit leg.
	// By then the funds sit with the vault, so the refund comes from there.
	CodeStrategyError ResultCode = 402
)

// Success reports whether the code is in the 2xx class.
func (c ResultCode) Success() bool {
	return c >= 200 && c < 300
}
