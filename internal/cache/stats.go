package cache

import "sync"

// Statistics 是 Manager 对外暴露的统计快照。Missed+Hits+RemoteHits 等于自上次重置以来
// GetCachedFiles 的调用次数；对象/文件/字节数来自本地层的实时计数。
type Statistics struct {
	Missed                int64 `json:"missed"`
	Hits                  int64 `json:"hits"`
	RemoteHits            int64 `json:"remote_hits"`
	NumberOfCachedObjects int64 `json:"number_of_cached_objects"`
	NumberOfFiles         int64 `json:"number_of_files"`
	TotalBytes            int64 `json:"total_bytes"`
}

// Lookups 返回已记录的查找次数。
func (s Statistics) Lookups() int64 {
	return s.Missed + s.Hits + s.RemoteHits
}

// lookupOutcome 是一次 GetCachedFiles 的最终结果，每次调用恰好记录一个。
type lookupOutcome int

const (
	outcomeMiss lookupOutcome = iota
	outcomeHit
	outcomeRemoteHit
)

func (o lookupOutcome) String() string {
	switch o {
	case outcomeHit:
		return "hit"
	case outcomeRemoteHit:
		return "remote_hit"
	default:
		return "miss"
	}
}

type ledger struct {
	mu         sync.Mutex
	missed     int64
	hits       int64
	remoteHits int64
}

func (l *ledger) record(outcome lookupOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch outcome {
	case outcomeHit:
		l.hits++
	case outcomeRemoteHit:
		l.remoteHits++
	default:
		l.missed++
	}
}

func (l *ledger) snapshot() (missed, hits, remoteHits int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.missed, l.hits, l.remoteHits
}

func (l *ledger) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.missed, l.hits, l.remoteHits = 0, 0, 0
}
