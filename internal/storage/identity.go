package storage

import (
	"alaschat/internal/models"
)

// Identity reads and writes the session credentials kept by the field app.
type Identity struct {
	kv KV
}

func NewIdentity(kv KV) *Identity {
	return &Identity{kv: kv}
}

// Credentials reads the current credentials. Missing keys stay empty.
func (i *Identity) Credentials() (models.SessionCredentials, error) {
	var creds models.SessionCredentials
	fields := []struct {
		key string
		dst *string
	}{
		{models.KeyToken, &creds.Token},
		{models.KeyUserID, &creds.UserID},
		{models.KeyUserName, &creds.UserName},
		{models.KeyUserEntity, &creds.Entity},
	}
	for _, f := range fields {
		v, _, err := i.kv.Get(f.key)
		if err != nil {
			return models.SessionCredentials{}, err
		}
		*f.dst = v
	}
	return creds, nil
}

// Store writes all credential keys.
func (i *Identity) Store(creds models.SessionCredentials) error {
	values := map[string]string{
		models.KeyToken:      creds.Token,
		models.KeyUserID:     creds.UserID,
		models.KeyUserName:   creds.UserName,
		models.KeyUserEntity: creds.Entity,
	}
	for k, v := range values {
		if err := i.kv.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}
