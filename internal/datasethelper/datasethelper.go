// Package datasethelper wraps a content-addressed dataset (a git
// repository whose file bodies may live in a separate content store) so
// the local and cluster dispatchers can clone/attach it to per-job
// scratch, check out a per-unit branch, and push results back, all under
// an advisory lock held only for the clone-or-push critical section,
// never across the container run itself.
package datasethelper

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/gofrs/flock"

	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/config"
	"github.com/MRI-Lab-Graz/bids-apps-runner/internal/unit"
)

// Helper attaches a content-addressed input dataset to per-unit scratch
// and optionally pushes results back, satisfying dispatch.DatasetHelper.
type Helper struct {
	Dataset  config.Dataset
	LockPath string // advisory lock file path from cluster config; empty disables locking
}

// New builds a Helper from the dataset section and the cluster lock path,
// returning ok=false when no dataset section is configured (auto-detection
// sees nothing to attach).
func New(cfg *config.Config) (*Helper, bool) {
	ds, ok := cfg.Dataset()
	if !ok {
		return nil, false
	}
	lockPath := ""
	if cl, ok := cfg.Cluster(); ok {
		lockPath = cl.LockPath
	}
	return &Helper{Dataset: ds, LockPath: lockPath}, true
}

// Prepare clones or attaches the input dataset into scratchDir under the
// advisory lock, then checks out (creating if needed) a per-unit branch
// so the unit's changes are isolated from concurrent workers sharing the
// same clone target.
func (h *Helper) Prepare(ctx context.Context, u unit.Unit, scratchDir string) error {
	unlock, err := h.lock()
	if err != nil {
		return err
	}
	defer unlock()

	repoDir := scratchDir + "/dataset"
	repo, err := attachOrClone(ctx, h.Dataset.InputRef, repoDir)
	if err != nil {
		return fmt.Errorf("datasethelper: preparing %s: %w", u.ID(), err)
	}

	if !h.Dataset.PerUnitBranch {
		return nil
	}
	return checkoutUnitBranch(repo, u)
}

// Save pushes the unit's output branch back to the configured output
// reference under the advisory lock, when push is requested.
func (h *Helper) Save(ctx context.Context, u unit.Unit, scratchDir string) error {
	if !h.Dataset.Push {
		return nil
	}
	unlock, err := h.lock()
	if err != nil {
		return err
	}
	defer unlock()

	repoDir := scratchDir + "/dataset"
	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return fmt.Errorf("datasethelper: opening %s for push: %w", repoDir, err)
	}

	remoteName := "origin"
	if h.Dataset.OutputRef != "" && h.Dataset.OutputRef != h.Dataset.InputRef {
		remoteName = "output"
		if _, err := repo.Remote(remoteName); err != nil {
			if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
				Name: remoteName,
				URLs: []string{h.Dataset.OutputRef},
			}); err != nil {
				return fmt.Errorf("datasethelper: creating output remote: %w", err)
			}
		}
	}
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("datasethelper: resolving %s remote: %w", remoteName, err)
	}
	branch := branchName(u)
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	return remote.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
}

// lock acquires the advisory file lock for the clone-or-push critical
// section. When no lock path is configured (single-worker local mode),
// it is a no-op.
func (h *Helper) lock() (unlock func(), err error) {
	if h.LockPath == "" {
		return func() {}, nil
	}
	fl := flock.New(h.LockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("datasethelper: acquiring lock %s: %w", h.LockPath, err)
	}
	return func() { fl.Unlock() }, nil
}

// attachOrClone opens an existing clone at dir if present, otherwise
// clones ref into dir.
func attachOrClone(ctx context.Context, ref, dir string) (*git.Repository, error) {
	if _, err := os.Stat(dir + "/.git"); err == nil {
		return git.PlainOpen(dir)
	}
	return git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: ref})
}

// checkoutUnitBranch creates (if absent) and checks out a branch scoped
// to this unit, so concurrent workers sharing one clone target never
// collide on working-tree state.
func checkoutUnitBranch(repo *git.Repository, u unit.Unit) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("datasethelper: worktree: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branchName(u))
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true}); err != nil {
		// Branch may already exist from a prior attempt against the same clone.
		return wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: false})
	}
	return nil
}

func branchName(u unit.Unit) string {
	return "batchrunner/" + u.ID()
}
