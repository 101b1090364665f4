package settings

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/reporthub/reporthub/pkg/models"
)

// settingsFile is the on-disk shape of the organization settings.
type settingsFile struct {
	Organizations []models.Organization `yaml:"organizations"`
}

// Provider serves receiver and sender configuration loaded from a YAML
// file. It implements engine.SettingsProvider and is read-only after Load.
type Provider struct {
	organizations []models.Organization
	receivers     map[string]models.Receiver
	senders       map[string]models.Sender
}

// Load reads and indexes a settings file. Receiver and sender organization
// names default to their enclosing organization.
func Load(path string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read settings %s", path)
	}
	var file settingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse settings %s", path)
	}

	p := &Provider{
		organizations: file.Organizations,
		receivers:     make(map[string]models.Receiver),
		senders:       make(map[string]models.Sender),
	}
	for _, org := range file.Organizations {
		for _, receiver := range org.Receivers {
			if receiver.OrganizationName == "" {
				receiver.OrganizationName = org.Name
			}
			if _, exists := p.receivers[receiver.FullName()]; exists {
				return nil, errors.Errorf("duplicate receiver %s in %s", receiver.FullName(), path)
			}
			p.receivers[receiver.FullName()] = receiver
		}
		for _, sender := range org.Senders {
			if sender.OrganizationName == "" {
				sender.OrganizationName = org.Name
			}
			p.senders[sender.FullName()] = sender
		}
	}
	return p, nil
}

// FindReceiver returns the receiver for an org.service name, or nil if it
// is not configured.
func (p *Provider) FindReceiver(fullName string) (*models.Receiver, error) {
	receiver, ok := p.receivers[fullName]
	if !ok {
		return nil, nil
	}
	return &receiver, nil
}

// FindSender returns the sender for an org.sender name, or nil.
func (p *Provider) FindSender(fullName string) (*models.Sender, error) {
	sender, ok := p.senders[fullName]
	if !ok {
		return nil, nil
	}
	return &sender, nil
}

// Receivers returns every configured receiver in a stable order.
func (p *Provider) Receivers() []models.Receiver {
	names := make([]string, 0, len(p.receivers))
	for name := range p.receivers {
		names = append(names, name)
	}
	sort.Strings(names)
	receivers := make([]models.Receiver, 0, len(names))
	for _, name := range names {
		receivers = append(receivers, p.receivers[name])
	}
	return receivers
}
