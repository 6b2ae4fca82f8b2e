package benchmark

type State string

const (
	StateProvisioning State = "provisioning"
	StateInstalling   State = "installing"
	StateRunning      State = "running"
	StateFinalizing   State = "finalizing"
	StateUploading    State = "uploading"
	StateDone         State = "done"
)
