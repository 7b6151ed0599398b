// Package chat keeps the relay's per-zone message history.
package chat

import (
	"sync"
	"time"
)

// DefaultMaxRecords is how many messages a zone keeps.
const DefaultMaxRecords = 100

type Seq int64

type ChatRecord struct {
	Seq       Seq
	Timestamp time.Time
	UserID    string
	UserName  string
	Entity    string
	Content   string
}

// Chat is the history ring of one zone plus the clients that receive its
// new records.
type Chat struct {
	Zone       string
	Records    []ChatRecord
	Members    map[string]bool
	FirstSeq   Seq
	LastSeq    Seq
	LastIndex  int
	MaxRecords int

	RecordCallback func(receiverID string, zone string, record ChatRecord)

	mux sync.RWMutex
}

type Config struct {
	Zone           string
	MaxRecords     int
	RecordCallback func(receiverID string, zone string, record ChatRecord)
}

func New(config Config) *Chat {
	if config.MaxRecords <= 0 {
		config.MaxRecords = DefaultMaxRecords
	}
	return &Chat{
		Zone:           config.Zone,
		MaxRecords:     config.MaxRecords,
		LastIndex:      -1,
		FirstSeq:       -1,
		LastSeq:        -1,
		Members:        make(map[string]bool),
		RecordCallback: config.RecordCallback,
	}
}

// AddRecord stores record in the ring, evicting the oldest one when full,
// and hands it to every online member.
func (c *Chat) AddRecord(record ChatRecord) ChatRecord {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.LastSeq++
	record.Seq = c.LastSeq

	switch {
	case len(c.Records) < c.MaxRecords:
		if c.FirstSeq == -1 {
			c.FirstSeq = c.LastSeq
		}
		c.Records = append(c.Records, record)
		c.LastIndex++
	default:
		c.FirstSeq++
		i := (c.LastIndex + 1) % c.MaxRecords
		c.Records[i] = record
		c.LastIndex = i
	}

	for receiverID, online := range c.Members {
		if online && c.RecordCallback != nil {
			c.RecordCallback(receiverID, c.Zone, record)
		}
	}
	return record
}

// GetLastRecords returns up to count most recent records, oldest first.
func (c *Chat) GetLastRecords(count int) []ChatRecord {
	c.mux.RLock()
	defer c.mux.RUnlock()

	if c.LastSeq == -1 || count <= 0 {
		return []ChatRecord{}
	}

	total := int(c.LastSeq - c.FirstSeq + 1)
	if count > total {
		count = total
	}

	from := c.LastSeq - Seq(count) + 1
	result := make([]ChatRecord, count)

	head := 0
	if len(c.Records) == c.MaxRecords {
		head = (c.LastIndex + 1) % c.MaxRecords
	}

	offset := int(from - c.FirstSeq)
	startIdx := (head + offset) % len(c.Records)

	if startIdx+count <= len(c.Records) {
		copy(result, c.Records[startIdx:startIdx+count])
	} else {
		n1 := len(c.Records) - startIdx
		copy(result, c.Records[startIdx:])
		copy(result[n1:], c.Records[:count-n1])
	}

	return result
}

// History returns every retained record, oldest first.
func (c *Chat) History() []ChatRecord {
	return c.GetLastRecords(c.MaxRecords)
}

func (c *Chat) addMember(clientID string, online bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.Members[clientID] = online
}

func (c *Chat) Join(clientID string) {
	c.addMember(clientID, true)
}

func (c *Chat) Leave(clientID string) {
	c.mux.Lock()
	defer c.mux.Unlock()

	delete(c.Members, clientID)
}
