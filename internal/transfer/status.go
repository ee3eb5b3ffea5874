package transfer

// Status is the finite state of one transfer session. Terminal states are
// Done, Failed and Closed; every terminal transition is reported through
// the config's OnStatus callback so no terminal state is silent.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAuthenticating Status = "authenticating"
	StatusReady          Status = "ready"
	StatusUploading      Status = "uploading"
	StatusDownloading    Status = "downloading"
	StatusPaused         Status = "paused"
	StatusDone           Status = "done"
	StatusFailed         Status = "error"
	StatusClosed         Status = "closed"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusClosed
}
