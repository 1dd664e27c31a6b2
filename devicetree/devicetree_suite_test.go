package devicetree_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDevicetree(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Devicetree Suite")
}
