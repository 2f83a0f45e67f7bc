package domain

import "time"

// QueueItem is one location's automated domain-setup task
type QueueItem struct {
	Key       string `json:"key"`
	LocID     string `json:"locId"`
	RowName   string `json:"rowName"`
	DomainURL string `json:"domainUrl"`
	// ActivationURL is the external page the bot drives for this location
	ActivationURL string     `json:"activationUrl,omitempty"`
	Status        ItemStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	FailedStep    string     `json:"failedStep,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// FailureRecord is a persisted automation failure, keyed by (LocID, Kind)
type FailureRecord struct {
	ID            int64         `json:"id"`
	Kind          string        `json:"kind"`
	LocID         string        `json:"locId"`
	RowName       string        `json:"rowName"`
	DomainURL     string        `json:"domainUrl"`
	ActivationURL string        `json:"activationUrl"`
	FailedStep    string        `json:"failedStep"`
	ErrorMessage  string        `json:"errorMessage"`
	Logs          []string      `json:"logs"`
	FailCount     int           `json:"failCount"`
	Status        FailureStatus `json:"status"`
	LastSeenAt    time.Time     `json:"lastSeenAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// LocationRow is a location eligible for domain setup, as listed by the
// backend or read from an items file
type LocationRow struct {
	LocID         string `json:"locId" yaml:"loc_id"`
	RowName       string `json:"rowName" yaml:"row_name"`
	DomainURL     string `json:"domainUrl" yaml:"domain_url"`
	ActivationURL string `json:"activationUrl,omitempty" yaml:"activation_url,omitempty"`
	Status        string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Pending reports whether the row still needs domain setup
func (r LocationRow) Pending() bool {
	return r.Status == "" || r.Status == string(ItemPending)
}

// BotPayload is what the automation bridge needs to set up one domain
type BotPayload struct {
	ActivationURL  string `json:"activationUrl"`
	DomainToPaste  string `json:"domainToPaste"`
	RobotsTxt      string `json:"robotsTxt,omitempty"`
	HeadCode       string `json:"headCode,omitempty"`
	BodyCode       string `json:"bodyCode,omitempty"`
	FaviconURL     string `json:"faviconUrl,omitempty"`
	PageTypeNeedle string `json:"pageTypeNeedle,omitempty"`
}
