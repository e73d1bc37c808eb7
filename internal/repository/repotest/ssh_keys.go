package repotest

import (
	"context"
	"sort"

	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/repository"
)

// SSHKeyRepo はrepository.SSHKeyRepositoryのインメモリ実装。
type SSHKeyRepo struct {
	s *Store
}

var _ repository.SSHKeyRepository = (*SSHKeyRepo)(nil)

func (r *SSHKeyRepo) Create(_ context.Context, key *model.SSHKey) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.sshKeys {
		if k.UserID != key.UserID {
			continue
		}
		if k.Label == key.Label {
			return &repository.DuplicateError{Field: "label"}
		}
		if k.Fingerprint == key.Fingerprint {
			return &repository.DuplicateError{Field: "fingerprint"}
		}
	}
	key.ID = s.id()
	c := *key
	s.sshKeys[key.ID] = &c
	return nil
}

func (r *SSHKeyRepo) ListByUser(_ context.Context, userID int64) ([]*model.SSHKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	keys := []*model.SSHKey{}
	for _, k := range r.s.sshKeys {
		if k.UserID == userID {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

func (r *SSHKeyRepo) DeleteByPID(_ context.Context, userID int64, pid string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, k := range r.s.sshKeys {
		if k.UserID == userID && k.PID == pid {
			delete(r.s.sshKeys, id)
			return true, nil
		}
	}
	return false, nil
}
