package tart

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseListOutput(t *testing.T) {
	tests := []struct {
		Name        string
		Input       string
		Expectation []VM
		ExpectErr   bool
	}{
		{
			Name:  "typical store",
			Input: `[{"Name":"bun-build-macos-14-1.2.16-bootstrap-4.1","Source":"local","Disk":90,"Size":42,"State":"stopped","Running":false},{"Name":"ghcr.io/cirruslabs/macos-sonoma-xcode:latest","Source":"oci","Disk":90,"Size":38,"State":"stopped","Running":false}]`,
			Expectation: []VM{
				{Name: "bun-build-macos-14-1.2.16-bootstrap-4.1", Source: "local", DiskGB: 90, SizeGB: 42, State: "stopped"},
				{Name: "ghcr.io/cirruslabs/macos-sonoma-xcode:latest", Source: "oci", DiskGB: 90, SizeGB: 38, State: "stopped"},
			},
		},
		{
			Name:        "empty output",
			Input:       "",
			Expectation: nil,
		},
		{
			Name:        "empty list",
			Input:       "[]",
			Expectation: []VM{},
		},
		{
			Name:      "garbage",
			Input:     "error: unable to open store",
			ExpectErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			act, err := parseListOutput([]byte(test.Input))
			if (err != nil) != test.ExpectErr {
				t.Fatalf("parseListOutput() error = %v, expectErr = %v", err, test.ExpectErr)
			}
			if diff := cmp.Diff(test.Expectation, act); diff != "" {
				t.Errorf("parseListOutput() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeleteMissingVM(t *testing.T) {
	restore := execCommand
	defer func() { execCommand = restore }()

	var deleted bool
	execCommand = func(ctx context.Context, env []string, executable string, args ...string) ([]byte, error) {
		switch args[0] {
		case "list":
			return []byte(`[]`), nil
		case "delete":
			deleted = true
		}
		return nil, nil
	}

	c := NewClient("")
	if err := c.Delete(context.Background(), "gone"); err != nil {
		t.Fatalf("Delete() = %v, want nil", err)
	}
	if deleted {
		t.Error("Delete() invoked tart delete for a VM that is not in the store")
	}
}
