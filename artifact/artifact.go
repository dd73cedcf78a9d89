// Package artifact implements the inter-stage artifact pipeline: producing a
// tar+bzip2 archive of a stage's declared output directories, consuming a
// producing stage's archive into a dependent stage's container, and the
// Make-style freshness gate that skips a stage whose archive is already up
// to date.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ikluft/container-buildah/builder"
	"github.com/ikluft/container-buildah/runner"
)

// ErrStale marks an expected input archive that is absent at consume time.
var ErrStale = errors.New("artifact: missing or stale archive")

// ErrArchiver marks a fatal archiver failure (exit status > 1; status 1 is
// tolerated as an overlayfs false positive per §4.G).
var ErrArchiver = errors.New("artifact: archiver failed")

// PathFor returns the archive path for stage under basename in workDir.
func PathFor(workDir, basename, stageName string) string {
	return filepath.Join(workDir, basename+"_"+stageName+".tar.bz2")
}

// Produce archives dirs (absolute paths inside mountPoint) into the
// well-known archive path for stageName, renaming any pre-existing archive
// aside to "<archive>.bak" first.
func Produce(workDir, basename, stageName, mountPoint string, dirs []string) error {
	if len(dirs) == 0 {
		return nil
	}
	archivePath := PathFor(workDir, basename, stageName)
	if _, err := os.Stat(archivePath); err == nil {
		if err := os.Rename(archivePath, archivePath+".bak"); err != nil {
			return fmt.Errorf("artifact: renaming stale archive aside: %w", err)
		}
	}

	tarProg, err := runner.Locate("tar")
	if err != nil {
		return err
	}

	rel := make([]string, len(dirs))
	for i, d := range dirs {
		rel[i] = strings.TrimPrefix(d, "/")
	}

	argv := []string{
		tarProg,
		"--create",
		"--bzip2",
		"--preserve-permissions",
		"--sparse",
		"--file=" + archivePath,
		"--directory=" + mountPoint,
	}
	argv = append(argv, rel...)

	_, err = runner.Run(runner.Options{
		Name: "tar (produce " + stageName + ")",
		Nonzero: func(code int) error {
			if code > 1 {
				return fmt.Errorf("%w: tar exited %d archiving stage %q", ErrArchiver, code, stageName)
			}
			return nil
		},
	}, argv)
	return err
}

// Fresh reports whether the archive for stageName is newer than every path
// in checkAgainst (typically the driver executable's path and every
// recorded config file). A fresh archive means the producing stage can be
// skipped entirely.
func Fresh(workDir, basename, stageName string, checkAgainst []string) (bool, error) {
	archivePath := PathFor(workDir, basename, stageName)
	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifact: stat archive %q: %w", archivePath, err)
	}

	for _, p := range checkAgainst {
		info, err := os.Stat(p)
		if err != nil {
			return false, fmt.Errorf("artifact: stat %q: %w", p, err)
		}
		if !archiveInfo.ModTime().After(info.ModTime()) {
			return false, nil
		}
	}
	return true, nil
}

// UserSpec describes a pre-created user/group, parsed from a stage's "user"
// field grammar name[=uid][:group[=gid]].
type UserSpec struct {
	Name  string
	UID   string
	Group string
	GID   string
}

// ParseUserSpec parses "alice=1000:staff=500" into a UserSpec.
func ParseUserSpec(spec string) UserSpec {
	var us UserSpec
	userPart, groupPart, hasGroup := strings.Cut(spec, ":")
	us.Name, us.UID, _ = strings.Cut(userPart, "=")
	if hasGroup {
		us.Group, us.GID, _ = strings.Cut(groupPart, "=")
	}
	return us
}

// precreateUser runs groupadd (if a group was specified) then useradd
// against the container's mounted root at mountPoint, using vendor-neutral
// shell commands per §4.G.
func precreateUser(mountPoint, userField, userHome string) error {
	us := ParseUserSpec(userField)

	chrootProg, err := runner.Locate("chroot")
	if err != nil {
		return err
	}

	if us.Group != "" {
		groupaddProg, err := runner.Locate("groupadd")
		if err != nil {
			return err
		}
		argv := []string{chrootProg, mountPoint, groupaddProg}
		if us.GID != "" {
			argv = append(argv, "--gid="+us.GID)
		}
		argv = append(argv, us.Group)
		if _, err := runner.Run(runner.Options{Name: "groupadd"}, argv); err != nil {
			return err
		}
	}

	useraddProg, err := runner.Locate("useradd")
	if err != nil {
		return err
	}
	argv := []string{chrootProg, mountPoint, useraddProg}
	if us.UID != "" {
		argv = append(argv, "--uid="+us.UID)
	}
	if us.Group != "" {
		argv = append(argv, "--gid="+us.Group)
	}
	if userHome != "" {
		argv = append(argv, "--home-dir="+userHome)
	}
	argv = append(argv, us.Name)
	_, err = runner.Run(runner.Options{Name: "useradd"}, argv)
	return err
}

// Consume pre-creates the stage's user (if configured) and injects every
// producing stage's archive into containerName's root via the builder's add
// subcommand.
func Consume(workDir, basename, containerName, mountPoint string, consumes []string, userField, userHome string) error {
	if userField != "" {
		if err := precreateUser(mountPoint, userField, userHome); err != nil {
			return fmt.Errorf("artifact: pre-creating user %q: %w", userField, err)
		}
	}

	c := builder.NewContainer(containerName)
	for _, producer := range consumes {
		archivePath := PathFor(workDir, basename, producer)
		if _, err := os.Stat(archivePath); err != nil {
			return fmt.Errorf("%w: %s", ErrStale, archivePath)
		}
		if _, err := c.Add(map[string]any{"dest": "/"}, archivePath); err != nil {
			return fmt.Errorf("artifact: adding archive %q to %q: %w", archivePath, containerName, err)
		}
	}
	return nil
}

// NewRunID returns an opaque identifier for one orchestrator invocation,
// used in diagnostics when multiple stages' archive operations interleave
// in a shared log stream.
func NewRunID() string {
	return uuid.NewString()
}
