package macvm

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/oven-sh/macvm/pkg/tart"
)

// ImageRecord is a VM store entry that decoded into a managed image. Records
// are recomputed on every decision cycle; VMs come and go out-of-band, so an
// index is never cached across calls.
type ImageRecord struct {
	Name   string
	Tuple  VersionTuple
	Source string
	SizeGB int
}

// VMLister is the part of the tart client the index needs.
type VMLister interface {
	List(ctx context.Context) ([]tart.VM, error)
}

// LocalImageIndex enumerates managed images in the local VM store.
type LocalImageIndex struct {
	Store  VMLister
	Naming *ImageNaming
}

// List returns all local images whose names decode into a version tuple.
// Undecodable entries (base images, ephemeral clones, unrelated VMs) are
// skipped silently.
func (idx *LocalImageIndex) List(ctx context.Context) ([]ImageRecord, error) {
	vms, err := idx.Store.List(ctx)
	if err != nil {
		return nil, err
	}

	var records []ImageRecord
	for _, vm := range vms {
		tuple, ok := idx.Naming.Decode(vm.Name)
		if !ok {
			continue
		}
		records = append(records, ImageRecord{
			Name:   vm.Name,
			Tuple:  tuple,
			Source: vm.Source,
			SizeGB: vm.SizeGB,
		})
	}
	log.WithField("images", len(records)).Debug("indexed local VM store")
	return records, nil
}

// Classification relates a snapshot of the local index to a target tuple.
type Classification struct {
	// Exact matches the full tuple; using it requires no work at all.
	Exact *ImageRecord
	// Compatible shares os, arch, bootstrap major version and project
	// major.minor with the target. It serves as an incremental base: only
	// the version delta needs bootstrapping.
	Compatible *ImageRecord
	// Usable shares os and arch only. Not cache-compatible, listed for
	// operator visibility.
	Usable []ImageRecord
}

// Classify is a pure function over an index snapshot. Among multiple
// compatible candidates the highest patch version wins, ties broken by the
// higher bootstrap version.
func Classify(target VersionTuple, records []ImageRecord) Classification {
	var cls Classification
	for i := range records {
		rec := records[i]
		if rec.Tuple == target {
			cls.Exact = &records[i]
			continue
		}
		if rec.Tuple.OS != target.OS || rec.Tuple.Arch != target.Arch {
			continue
		}
		if isCompatible(target, rec.Tuple) {
			if cls.Compatible == nil || moreCompatible(rec.Tuple, cls.Compatible.Tuple) {
				cls.Compatible = &records[i]
			}
			continue
		}
		cls.Usable = append(cls.Usable, rec)
	}
	return cls
}

func isCompatible(target, candidate VersionTuple) bool {
	if candidate.MajorMinor() != target.MajorMinor() {
		return false
	}
	tm, _, tok := parseBootstrapVersion(target.BootstrapVersion)
	cm, _, cok := parseBootstrapVersion(candidate.BootstrapVersion)
	return tok && cok && tm == cm
}

func moreCompatible(a, b VersionTuple) bool {
	if c := compareProjectVersions(a.ProjectVersion, b.ProjectVersion); c != 0 {
		return c > 0
	}
	return compareBootstrapVersions(a.BootstrapVersion, b.BootstrapVersion) > 0
}
