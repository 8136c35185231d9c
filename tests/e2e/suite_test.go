// Package e2e exercises the engine facade end to end against the in-memory
// ledgertest.Store, the way tests/precompile runs its solidity suite
// against a live node: one Go test entry point driving a ginkgo spec tree.
package e2e

import (
	"testing"

	ginkgo "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "lpce engine end-to-end scenarios")
}
