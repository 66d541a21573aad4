package transport

// Endpoint is a transport-level address for a peer. Endpoints are stable for
// the lifetime of a process; logical ids are not (they get reassigned after
// failures), so everything below the membership layer is keyed by endpoint.
type Endpoint string

// Kind discriminates the envelope types the coordination core exchanges.
type Kind int

const (
	User Kind = iota
	Token
	Heartbeat
	BarrierArrive
	BarrierRelease
	SyncTagged
	SyncAck
	DeathNotice
	Discovery
)

// String returns a short name for logging.
func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case Token:
		return "token"
	case Heartbeat:
		return "heartbeat"
	case BarrierArrive:
		return "barrier_arrive"
	case BarrierRelease:
		return "barrier_release"
	case SyncTagged:
		return "sync_tagged"
	case SyncAck:
		return "sync_ack"
	case DeathNotice:
		return "death_notice"
	case Discovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// MemberInfo is one entry of a membership view carried in a Discovery offer.
type MemberInfo struct {
	ID       int
	Endpoint Endpoint
}

// Envelope is the single wire unit the core produces and consumes. Only a
// subset of the fields is meaningful for any given Kind; the transport moves
// envelopes opaquely and never inspects them.
//
// LogicalTS is meaningful only for User and SyncTagged envelopes; control
// traffic never carries (or advances) the logical clock.
type Envelope struct {
	Kind           Kind
	SenderID       int
	SenderEndpoint Endpoint
	Generation     uint64

	// User / SyncTagged
	LogicalTS uint64
	Payload   []byte

	// BarrierArrive / BarrierRelease
	BarrierRound uint64

	// SyncTagged / SyncAck correlation
	CorrOrigin Endpoint
	CorrSeq    uint64

	// DeathNotice
	DeadID       int
	DeadEndpoint Endpoint

	// Discovery (join negotiation)
	Tiebreaker string
	ClaimedID  int
	Members    []MemberInfo
}

// Transport is the external collaborator that moves envelopes between peers.
// Implementations must invoke the OnDeliver callback from their own delivery
// path; the core guarantees the callback only enqueues and never blocks on
// protocol state.
//
// Send and Broadcast are fire-and-forget: an undeliverable envelope is a
// liveness signal (the failure detector will notice the silence), never an
// error surfaced to an API caller.
type Transport interface {
	// Endpoint returns this peer's own address.
	Endpoint() Endpoint

	// Send delivers the envelope to a single peer.
	Send(dest Endpoint, env Envelope) error

	// Broadcast delivers the envelope to every known peer except the sender.
	Broadcast(env Envelope) error

	// OnDeliver registers the single delivery callback. Must be called before
	// the first envelope is expected; later registrations replace the earlier.
	OnDeliver(fn func(Envelope))

	// Peers lists the currently discoverable peer endpoints, excluding self.
	Peers() []Endpoint

	// Close detaches the peer from the fabric and stops delivery.
	Close() error
}
