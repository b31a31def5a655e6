package websocket

// Subprotocol is the application protocol spoken by the telemetry server.
const Subprotocol = "telemetry.calsol.berkeley.edu"

// Policy decides whether the options a client offered for one handshake
// header are acceptable, and which one the server answers with.
type Policy interface {
	Accept(offered []string) bool
	Choose(offered []string) string
}

type singleOption string

// SingleOption accepts only when opt is offered, and chooses it.
func SingleOption(opt string) Policy { return singleOption(opt) }

func (p singleOption) Accept(offered []string) bool {
	for _, o := range offered {
		if o == string(p) {
			return true
		}
	}
	return false
}

func (p singleOption) Choose(offered []string) string {
	if p.Accept(offered) {
		return string(p)
	}
	return ""
}

type unrestricted struct{}

// Unrestricted accepts anything and chooses the first offer.
func Unrestricted() Policy { return unrestricted{} }

func (unrestricted) Accept([]string) bool { return true }

func (unrestricted) Choose(offered []string) string {
	if len(offered) == 0 {
		return ""
	}
	return offered[0]
}

type anyOf []string

// AnyOf accepts when any of opts is offered and chooses the first match in
// the order of opts.
func AnyOf(opts ...string) Policy { return anyOf(opts) }

func (p anyOf) Accept(offered []string) bool {
	return p.Choose(offered) != ""
}

func (p anyOf) Choose(offered []string) string {
	for _, want := range p {
		for _, o := range offered {
			if o == want {
				return want
			}
		}
	}
	return ""
}

// Policies holds one policy per negotiated handshake header.
type Policies struct {
	Version  Policy
	Protocol Policy
	Origin   Policy
	Host     Policy
}

// DefaultPolicies are the server's: versions 13 and 8, the telemetry
// subprotocol, and any origin and host.
func DefaultPolicies() Policies {
	return Policies{
		Version:  AnyOf("13", "8"),
		Protocol: AnyOf(Subprotocol),
		Origin:   Unrestricted(),
		Host:     Unrestricted(),
	}
}
