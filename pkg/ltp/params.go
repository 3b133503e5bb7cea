package ltp

import (
	"time"

	"github.com/kestrelworks/dtnd/pkg/config"
)

// Params are the per-engine LTP tunables.
type Params struct {
	MaxSessions        uint32
	AggSize            uint64
	AggTime            time.Duration
	SegSize            uint32
	CCSDSCompatible    bool
	RetranIntvl        time.Duration
	RetranRetries      uint32
	InactivityIntvl    time.Duration
	BytesPerCheckpoint uint64
	QueuedBytesQuota   uint64
	UseFilesXmit       bool
	UseFilesRecv       bool
	DirPath            string
	Rate               uint64
	BucketType         string
	BucketDepth        uint64
}

// ParamsFromConfig maps the daemon configuration onto engine parameters,
// filling engine defaults for zero values.
func ParamsFromConfig(cfg config.LTPConfig) Params {
	p := Params{
		MaxSessions:        cfg.MaxSessions,
		AggSize:            cfg.AggSize,
		AggTime:            cfg.AggTime,
		SegSize:            cfg.SegSize,
		CCSDSCompatible:    cfg.CCSDSCompatible,
		RetranIntvl:        cfg.RetranIntvl,
		RetranRetries:      cfg.RetranRetries,
		InactivityIntvl:    cfg.InactivityIntvl,
		BytesPerCheckpoint: cfg.BytesPerCheckpoint,
		QueuedBytesQuota:   cfg.QueuedBytesQuota,
		UseFilesXmit:       cfg.UseFilesXmit,
		UseFilesRecv:       cfg.UseFilesRecv,
		DirPath:            cfg.DirPath,
		Rate:               cfg.Rate,
		BucketType:         cfg.BucketType,
		BucketDepth:        cfg.BucketDepth,
	}
	if p.MaxSessions == 0 {
		p.MaxSessions = 100
	}
	if p.AggSize == 0 {
		p.AggSize = 1000000
	}
	if p.AggTime == 0 {
		p.AggTime = 500 * time.Millisecond
	}
	if p.SegSize == 0 {
		p.SegSize = 1400
	}
	if p.RetranIntvl == 0 {
		p.RetranIntvl = 7 * time.Second
	}
	if p.RetranRetries == 0 {
		p.RetranRetries = 3
	}
	if p.InactivityIntvl == 0 {
		p.InactivityIntvl = 30 * time.Second
	}
	return p
}

// SenderStats counts outbound session activity, mirroring the engine's
// operational counters.
type SenderStats struct {
	TotalSessions               uint64
	DsSessionsWithResends       uint64
	TotalSntDs                  uint64
	DsSegmentResends            uint64
	TotalRcvRs                  uint64
	TotalSntRa                  uint64
	BundlesSuccess              uint64
	BundlesFailed               uint64
	BundlesExpiredInQueue       uint64
	CancelBySndrSessions        uint64
	CancelBySndrSegs            uint64
	CancelByRcvrSessions        uint64
	CancelByRcvrSegs            uint64
	TotalSentAndRcvdCa          uint64
	RASNotReceivedButGotBundles uint64
}

// ReceiverStats counts inbound session activity.
type ReceiverStats struct {
	TotalSessions            uint64
	MaxSessions              uint64
	DsSessionsWithResends    uint64
	TotalRcvDs               uint64
	TotalDsUnique            uint64
	TotalDsDuplicate         uint64
	DsSegsDiscarded          uint64
	TotalRsSegsGenerated     uint64
	RsSegmentResends         uint64
	TotalRcvRa               uint64
	BundlesSuccess           uint64
	CancelBySndrSessions     uint64
	CancelByRcvrSessions     uint64
	TotalSentAndRcvdCa       uint64
	SessionCancelledButGotIt uint64
}
