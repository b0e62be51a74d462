package types

// RegistrationState is the state envelopes are registered in.
type RegistrationState int

const (
	RegistrationBooked RegistrationState = iota
	RegistrationCommitted
	RegistrationRejected
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationBooked:
		return "booked"
	case RegistrationCommitted:
		return "committed"
	case RegistrationRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// WriteRequest asks the catalogue for write tickets for one content id.
type WriteRequest struct {
	LFN       string
	ContentID ContentID
	Size      int64
	Checksum  string
	Include   []string
	Exclude   []string
	Counts    map[string]int
}

// MirrorResult is the outcome of scheduling one mirror target: a transfer id
// when the job was queued, otherwise the code explaining why not.
type MirrorResult struct {
	TransferID string `json:"transfer_id,omitempty"`
	Code       Code   `json:"code"`
}
