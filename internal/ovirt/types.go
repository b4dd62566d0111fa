package ovirt

// DiskStatus is the engine-side status of a disk object.
type DiskStatus string

const (
	DiskStatusOK      DiskStatus = "ok"
	DiskStatusLocked  DiskStatus = "locked"
	DiskStatusIllegal DiskStatus = "illegal"
)

// TransferPhase is the engine-side phase of an image transfer. The upload
// only actively drives initializing -> transferring (by polling) and
// transferring -> finalize; every other phase is opaque to it.
type TransferPhase string

const (
	PhaseInitializing       TransferPhase = "initializing"
	PhaseTransferring       TransferPhase = "transferring"
	PhaseFinalizingSuccess  TransferPhase = "finalizing_success"
	PhaseFinalizingFailure  TransferPhase = "finalizing_failure"
	PhaseFinishedSuccess    TransferPhase = "finished_success"
	PhaseFinishedFailure    TransferPhase = "finished_failure"
	PhasePausedSystem       TransferPhase = "paused_system"
	PhasePausedUser         TransferPhase = "paused_user"
	PhaseCancelled          TransferPhase = "cancelled"
)

// Disk mirrors the engine's disk object. The mirror is refreshed only by
// explicit polling and is never assumed fresh across calls.
type Disk struct {
	ID     string     `json:"id"`
	Alias  string     `json:"alias,omitempty"`
	Status DiskStatus `json:"status"`
}

// DiskCreate is the request body for creating a disk.
type DiskCreate struct {
	ID              string         `json:"id,omitempty"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Format          string         `json:"format"`
	InitialSize     int64          `json:"initial_size"`
	ProvisionedSize int64          `json:"provisioned_size"`
	Sparse          bool           `json:"sparse"`
	StorageDomains  StorageDomains `json:"storage_domains"`
}

// StorageDomains wraps the storage domain list the engine expects.
type StorageDomains struct {
	StorageDomain []StorageDomainRef `json:"storage_domain"`
}

// StorageDomainRef references a storage domain by name.
type StorageDomainRef struct {
	Name string `json:"name"`
}

// Transfer mirrors the engine's image transfer object.
type Transfer struct {
	ID           string        `json:"id"`
	Phase        TransferPhase `json:"phase"`
	TransferURL  string        `json:"transfer_url,omitempty"`
	ProxyURL     string        `json:"proxy_url,omitempty"`
	SignedTicket string        `json:"signed_ticket,omitempty"`
}

// TransferCreate is the request body for creating an image transfer.
type TransferCreate struct {
	Disk              DiskRef  `json:"disk"`
	Host              *HostRef `json:"host,omitempty"`
	InactivityTimeout int      `json:"inactivity_timeout"`
}

// DiskRef references a disk by id.
type DiskRef struct {
	ID string `json:"id"`
}

// HostRef references a host by id. A nil HostRef lets the engine choose.
type HostRef struct {
	ID string `json:"id"`
}

// VM is the subset of the engine's VM object the precheck needs.
type VM struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DataCenter is the subset of the data center object used for the local
// host lookup.
type DataCenter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Host is the subset of the host object used for the local host lookup.
type Host struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
