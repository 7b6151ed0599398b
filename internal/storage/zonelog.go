package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"alaschat/internal/models"
)

// ZoneLogs persists each zone's chat log as a JSON list under
// models.ZoneLogKey(zone).
type ZoneLogs struct {
	kv KV
}

func NewZoneLogs(kv KV) *ZoneLogs {
	return &ZoneLogs{kv: kv}
}

// Load returns the persisted log of a zone, or an empty log.
func (z *ZoneLogs) Load(zone string) (models.ZoneChatLog, error) {
	data, ok, err := z.kv.Get(models.ZoneLogKey(zone))
	if err != nil {
		return nil, err
	}
	if !ok || data == "" {
		return models.ZoneChatLog{}, nil
	}

	var log models.ZoneChatLog
	if err := json.Unmarshal([]byte(data), &log); err != nil {
		return nil, fmt.Errorf("failed to decode chat log of zone %q: %w", zone, err)
	}
	if log == nil {
		log = models.ZoneChatLog{}
	}
	return log, nil
}

func (z *ZoneLogs) Save(zone string, log models.ZoneChatLog) error {
	if log == nil {
		log = models.ZoneChatLog{}
	}
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode chat log of zone %q: %w", zone, err)
	}
	return z.kv.Set(models.ZoneLogKey(zone), string(data))
}

// Zones lists zones that have a persisted log, if the store can enumerate keys.
func (z *ZoneLogs) Zones() ([]string, error) {
	lister, ok := z.kv.(Lister)
	if !ok {
		return nil, nil
	}
	keys, err := lister.Keys(models.ZoneLogKeyPrefix)
	if err != nil {
		return nil, err
	}
	zones := make([]string, 0, len(keys))
	for _, k := range keys {
		zones = append(zones, strings.TrimPrefix(k, models.ZoneLogKeyPrefix))
	}
	return zones, nil
}
