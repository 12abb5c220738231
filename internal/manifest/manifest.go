// Package manifest reads Service Fabric service manifests.
package manifest

import (
	"encoding/xml"
	"os"
	"strings"

	"github.com/juju/errors"
)

// Manifest is the part of a ServiceManifest.xml the upgrade check needs.
type Manifest struct {
	XMLName      xml.Name      `xml:"ServiceManifest"`
	Name         string        `xml:"Name,attr"`
	Version      string        `xml:"Version,attr"`
	ServiceTypes ServiceTypes  `xml:"ServiceTypes"`
	CodePackages []CodePackage `xml:"CodePackage"`
}

// ServiceTypes lists the service types a manifest declares.
type ServiceTypes struct {
	Stateful  []ServiceType `xml:"StatefulServiceType"`
	Stateless []ServiceType `xml:"StatelessServiceType"`
}

// ServiceType is one declared service type.
type ServiceType struct {
	Name              string `xml:"ServiceTypeName,attr"`
	HasPersistedState bool   `xml:"HasPersistedState,attr"`
}

// CodePackage is a directory of compiled modules shipped with the service.
type CodePackage struct {
	Name    string `xml:"Name,attr"`
	Version string `xml:"Version,attr"`
}

// Parse decodes manifest XML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, errors.Annotate(err, "parsing service manifest")
	}

	return &m, nil
}

// Load reads and decodes the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading service manifest %s", path)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, errors.Annotate(err, path)
	}

	return m, nil
}

// CodePackage returns the first code package of the manifest.
func (m *Manifest) CodePackage() (CodePackage, error) {
	for _, cp := range m.CodePackages {
		if strings.TrimSpace(cp.Name) != "" {
			return cp, nil
		}
	}

	return CodePackage{}, errors.NotFoundf("code package in service manifest %q", m.Name)
}

// IsStateful returns true if the manifest declares a stateful service type.
func (m *Manifest) IsStateful() bool {
	return len(m.ServiceTypes.Stateful) > 0
}

// Reader answers the questions the upgrade check asks of a manifest file.
type Reader struct{}

// CodePackageName returns the name of the code package directory.
func (Reader) CodePackageName(path string) (string, error) {
	cp, err := codePackage(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(cp.Name), nil
}

// Version returns the version of the code package.
func (Reader) Version(path string) (string, error) {
	cp, err := codePackage(path)
	if err != nil {
		return "", err
	}

	if cp.Version == "" {
		return "", errors.NotFoundf("version of code package %q in %s", cp.Name, path)
	}

	return cp.Version, nil
}

// IsStateful returns true if the manifest declares a stateful service type.
func (Reader) IsStateful(path string) (bool, error) {
	m, err := Load(path)
	if err != nil {
		return false, errors.Trace(err)
	}

	return m.IsStateful(), nil
}

func codePackage(path string) (CodePackage, error) {
	m, err := Load(path)
	if err != nil {
		return CodePackage{}, errors.Trace(err)
	}

	cp, err := m.CodePackage()
	if err != nil {
		return CodePackage{}, errors.Annotate(err, path)
	}

	return cp, nil
}
