package ofp4sw

import (
	"strings"

	"github.com/pkg/errors"
)

// Config describes one switch. Zero values of the override fields keep
// the version profile defaults.
type Config struct {
	Name          string   `mapstructure:"name"`
	DatapathId    uint64   `mapstructure:"datapath_id"`
	Version       string   `mapstructure:"version"`
	Tables        int      `mapstructure:"tables"`
	TableCapacity uint32   `mapstructure:"table_capacity"`
	MaxPorts      int      `mapstructure:"max_ports"`
	Strategy      string   `mapstructure:"strategy"`
	MaxGroups     uint32   `mapstructure:"max_groups"`
	GroupTypes    []string `mapstructure:"group_types"`
	TableMiss     string   `mapstructure:"table_miss"`
}

func DefaultConfig() Config {
	return Config{
		Name:     "ofpipe",
		Version:  OFP13.String(),
		Tables:   OFPTT_MAX + 1,
		MaxPorts: 64,
		Strategy: "loop",
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Tables < 1 || c.Tables > OFPTT_MAX+1 {
		return errors.Errorf("tables=%d out of 1..%d", c.Tables, OFPTT_MAX+1)
	}
	if c.MaxPorts < 1 || uint64(c.MaxPorts) >= 0xffffff00 {
		return errors.Errorf("max_ports=%d out of range", c.MaxPorts)
	}
	if _, err := newStrategy(c.Strategy); err != nil {
		return err
	}
	if _, _, err := c.profile(); err != nil {
		return err
	}
	if c.TableMiss != "" {
		if _, err := ParseTableMiss(c.TableMiss); err != nil {
			return err
		}
	}
	return nil
}

// profile resolves the version profile with the overrides applied.
func (c Config) profile() (Version, Profile, error) {
	version, err := ParseVersion(c.Version)
	if err != nil {
		return 0, Profile{}, err
	}
	profile, err := ProfileFor(version)
	if err != nil {
		return 0, Profile{}, err
	}
	if c.TableCapacity != 0 {
		profile.Table.MaxEntries = c.TableCapacity
	}
	if version == OFP10 {
		if c.MaxGroups != 0 || len(c.GroupTypes) != 0 {
			return 0, Profile{}, errors.New("openflow 1.0 has no group table")
		}
		return version, profile, nil
	}
	if c.MaxGroups != 0 {
		profile.Group.MaxGroups = c.MaxGroups
	}
	if len(c.GroupTypes) != 0 {
		var types []GroupType
		for _, name := range c.GroupTypes {
			t, err := ParseGroupType(strings.ToLower(strings.TrimSpace(name)))
			if err != nil {
				return 0, Profile{}, err
			}
			types = append(types, t)
		}
		profile.Group.Types = NewGroupTypes(types...)
	}
	return version, profile, nil
}

func (c Config) applyTableMiss(pipe *Pipeline) error {
	if c.TableMiss == "" {
		return nil
	}
	miss, err := ParseTableMiss(c.TableMiss)
	if err != nil {
		return err
	}
	return pipe.SetTableMiss(OFPTT_ALL, miss)
}
