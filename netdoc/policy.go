package netdoc

import (
	"strconv"
	"strings"
)

// PortRange is an inclusive range of TCP ports, Low <= High.
type PortRange struct {
	Low, High uint16
}

// PortPolicy is a compact accept/reject list of port ranges, as carried by a
// microdescriptor's "p"/"p6" lines. The zero value is reject-all, the
// default when a microdescriptor omits the line entirely.
type PortPolicy struct {
	Accept bool
	Ranges []PortRange
}

// Permits reports whether port is allowed by the policy.
func (p PortPolicy) Permits(port uint16) bool {
	for _, r := range p.Ranges {
		if port >= r.Low && port <= r.High {
			return p.Accept
		}
	}
	return !p.Accept
}

// RejectAllPolicy is the default port policy for a microdescriptor that
// declares no "p"/"p6" line.
var RejectAllPolicy = PortPolicy{Accept: false}

// parsePortPolicy parses the arguments of a "p"/"p6" line: a verb
// ("accept"/"reject") followed by a comma-separated list of ports or
// port-port ranges, e.g. "accept 80,443,1000-2000".
func parsePortPolicy(data []byte, pos int, keyword string, args []string) (PortPolicy, error) {
	if len(args) < 1 {
		return PortPolicy{}, newParseError(data, pos, BadPolicy, keyword, errNoVerb)
	}
	var accept bool
	switch args[0] {
	case "accept":
		accept = true
	case "reject":
		accept = false
	default:
		return PortPolicy{}, newParseError(data, pos, BadPolicy, keyword, errBadVerb)
	}

	pol := PortPolicy{Accept: accept}
	if len(args) < 2 {
		return pol, nil
	}

	for _, field := range strings.Split(args[1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		lo, hi, err := parsePortRange(field)
		if err != nil {
			return PortPolicy{}, newParseError(data, pos, BadPolicy, keyword, err)
		}
		pol.Ranges = append(pol.Ranges, PortRange{Low: lo, High: hi})
	}
	return pol, nil
}

func parsePortRange(field string) (lo, hi uint16, err error) {
	if dash := strings.IndexByte(field, '-'); dash >= 0 {
		loN, err1 := strconv.ParseUint(field[:dash], 10, 16)
		hiN, err2 := strconv.ParseUint(field[dash+1:], 10, 16)
		if err1 != nil || err2 != nil {
			return 0, 0, errInvalidPort
		}
		if loN > hiN {
			return 0, 0, errInvalidPort
		}
		return uint16(loN), uint16(hiN), nil
	}
	n, err := strconv.ParseUint(field, 10, 16)
	if err != nil {
		return 0, 0, errInvalidPort
	}
	return uint16(n), uint16(n), nil
}
