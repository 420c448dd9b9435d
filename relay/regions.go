package relay

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Region selects which relay endpoint a connection targets.
type Region string

const (
	RegionUS   Region = "us"
	RegionEU   Region = "eu"
	RegionAsia Region = "apac"
)

// EndpointOverrideEnv names the single environment variable that points
// every region at a self-hosted relay instead of the builtin table.
const EndpointOverrideEnv = "RELAY_ENDPOINT"

// Endpoints holds the pair of base URLs for one region: a WebSocket base
// for streaming and an HTTPS base for stateless publish.
type Endpoints struct {
	Stream  string
	Publish string
}

func builtinEndpoints() map[Region]Endpoints {
	return map[Region]Endpoints{
		RegionUS:   {Stream: "wss://us.relaykit.net/v1", Publish: "https://us.relaykit.net/v1"},
		RegionEU:   {Stream: "wss://eu.relaykit.net/v1", Publish: "https://eu.relaykit.net/v1"},
		RegionAsia: {Stream: "wss://apac.relaykit.net/v1", Publish: "https://apac.relaykit.net/v1"},
	}
}

// ResolveEndpoints maps a region to its endpoints, honoring the
// environment override. The override may carry either scheme; the missing
// counterpart is derived by swapping ws<->http.
func ResolveEndpoints(region Region) (Endpoints, error) {
	if raw := os.Getenv(EndpointOverrideEnv); raw != "" {
		return endpointsFromBase(raw)
	}

	ep, ok := builtinEndpoints()[region]
	if !ok {
		return Endpoints{}, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
	return ep, nil
}

func endpointsFromBase(base string) (Endpoints, error) {
	u, err := url.Parse(base)
	if err != nil {
		return Endpoints{}, fmt.Errorf("relay: invalid endpoint %q: %w", base, err)
	}

	stream := *u
	publish := *u
	switch {
	case strings.HasPrefix(u.Scheme, "ws"):
		publish.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	case strings.HasPrefix(u.Scheme, "http"):
		stream.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	default:
		return Endpoints{}, fmt.Errorf("relay: invalid endpoint scheme %q", u.Scheme)
	}
	return Endpoints{Stream: stream.String(), Publish: publish.String()}, nil
}
