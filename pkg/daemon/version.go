package daemon

// MinProtocolMinor is the lowest negotiated minor version the server
// accepts; the handshake aborts the connection below it.
const MinProtocolMinor = 21

// clientMinProtocolMinor is the floor the client tolerates. The client keeps
// enough gate handling to interrogate much older daemons than the server is
// willing to host — QueryPathInfo's pre-1.17 "is not valid" fallback in
// particular only exists for their benefit.
const clientMinProtocolMinor = 10

// protocolMajor returns the major component of a packed protocol version.
func protocolMajor(v uint64) uint64 {
	return v >> 8
}

// protocolMinor returns the minor component of a packed protocol version.
func protocolMinor(v uint64) uint64 {
	return v & 0xff
}

// packVersion combines a major/minor pair into the wire's packed form.
func packVersion(major, minor uint64) uint64 {
	return (major << 8) | minor
}

// gates collects the per-version field gates applied uniformly by the
// handshake, codec, and dispatch layers. Each method answers "is this
// field/behaviour present at this negotiated version".
type gates struct {
	minor uint64
}

func gatesFor(version uint64) gates {
	return gates{minor: protocolMinor(version)}
}

// cpuAffinity gates the client's CPU-affinity handshake field (>= 1.14).
func (g gates) cpuAffinity() bool { return g.minor >= 14 }

// reserveSpace gates the client's reserve-space handshake field (>= 1.11).
func (g gates) reserveSpace() bool { return g.minor >= 11 }

// daemonVersionString gates the server's Nix version string (>= 1.33).
func (g gates) daemonVersionString() bool { return g.minor >= 33 }

// trustLevel gates the server's trust-level tag (>= 1.35).
func (g gates) trustLevel() bool { return g.minor >= 35 }

// querySubstitute gates QueryValidPaths' trailing substitute bool (>= 1.27).
func (g gates) querySubstitute() bool { return g.minor >= 27 }

// pathInfoPresenceTag gates QueryPathInfo's leading presence bool (>= 1.17).
// Below this gate, absence is instead signalled by a recoverable DaemonError
// whose text contains "is not valid".
func (g gates) pathInfoPresenceTag() bool { return g.minor >= 17 }

// activityFrames gates whether StartActivity/StopActivity/Result frames
// appear on the wire at all (>= 1.20). Below this gate the server
// synthesises a Next line carrying the activity text instead.
func (g gates) activityFrames() bool { return g.minor >= 20 }

// buildResultCounters gates BuildResult.TimesBuilt/IsNonDeterministic/
// StartTime/StopTime (>= 1.29).
func (g gates) buildResultCounters() bool { return g.minor >= 29 }

// buildResultBuiltOutputs gates BuildResult.BuiltOutputs (>= 1.28). Note
// the wire order: the counters and CPU times sit between errorMsg and this
// field whenever their own (higher) gates admit them.
func (g gates) buildResultBuiltOutputs() bool { return g.minor >= 28 }

// buildResultCPUTimes gates BuildResult.CpuUser/CpuSystem (>= 1.37).
func (g gates) buildResultCPUTimes() bool { return g.minor >= 37 }

// narDialect selects the AddToStoreNar bulk-transfer sub-protocol.
type narDialect int

const (
	// narDialectRaw streams the NAR with no framing at all; the consumer
	// must parse the archive grammar to find the end (pre-1.21).
	narDialectRaw narDialect = iota
	// narDialectStderrRead pulls bytes via Read() log frames (1.21-1.22).
	narDialectStderrRead
	// narDialectFramed uses the chunked framed sub-stream (>= 1.23).
	narDialectFramed
)

func (g gates) addToStoreNarDialect() narDialect {
	switch {
	case g.minor >= 23:
		return narDialectFramed
	case g.minor >= 21:
		return narDialectStderrRead
	default:
		return narDialectRaw
	}
}
