package engine

import (
	"context"
	"fmt"

	"payline/internal/config"
	"payline/internal/events"
	"payline/internal/repo"
)

// ImportPolicy validates and stores a policy version. Versions are
// immutable; re-importing an existing version with the same payload is a
// no-op, with a different payload an error.
func (e *Engine) ImportPolicy(ctx context.Context, yamlPayload []byte, actorID string) (repo.PolicyVersion, error) {
	policy, err := config.FromYAML(yamlPayload)
	if err != nil {
		return repo.PolicyVersion{}, err
	}

	existing, err := e.Repo.GetPolicyVersion(ctx, policy.Version)
	if err == nil {
		if existing.Payload == string(yamlPayload) {
			return existing, nil
		}
		return repo.PolicyVersion{}, fmt.Errorf("policy version %q already exists with a different payload; versions are immutable", policy.Version)
	}
	if err != repo.ErrNotFound {
		return repo.PolicyVersion{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.PolicyVersion{}, err
	}
	defer tx.Rollback()

	v := repo.PolicyVersion{
		Version:   policy.Version,
		Payload:   string(yamlPayload),
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertPolicyVersion(ctx, tx, v); err != nil {
		return repo.PolicyVersion{}, err
	}
	if err := e.Events.Append(ctx, tx, "policy.imported", "", "policy", v.Version, actorID, events.EventPayload{
		"version": v.Version,
	}); err != nil {
		return repo.PolicyVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.PolicyVersion{}, err
	}
	e.Log.WithField("version", v.Version).Info("policy imported")
	return v, nil
}
