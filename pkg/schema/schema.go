// Package schema holds table identity and the mapping from a table to the
// log topic that records it.
package schema

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	DefaultNamespace   = "default"
	namespaceDelimiter = ":"
)

// Value is the schema metadata of one table. TableName and Epoch identify
// the table's topic; Version changes whenever the metadata does and never
// moves the table to a different topic.
type Value struct {
	TableName string `msgpack:"name"`
	Epoch     int    `msgpack:"epoch"`
	Version   int    `msgpack:"version"`
}

func (v Value) Validate() error {
	if _, _, err := SplitTableName(v.TableName); err != nil {
		return err
	}
	if v.Epoch < 0 {
		return errors.NotValidf("epoch %d of table %q", v.Epoch, v.TableName)
	}
	return nil
}

func (v Value) String() string {
	return fmt.Sprintf("%s@%d (version %d)", v.TableName, v.Epoch, v.Version)
}

// SplitTableName splits "namespace:qualifier". A name without a namespace
// belongs to DefaultNamespace.
func SplitTableName(name string) (namespace, qualifier string, err error) {
	namespace, qualifier = DefaultNamespace, name
	if i := strings.Index(name, namespaceDelimiter); i >= 0 {
		namespace, qualifier = name[:i], name[i+1:]
		if err := validatePart(namespace, "namespace"); err != nil {
			return "", "", errors.Annotatef(err, "table %q", name)
		}
	}
	if err := validatePart(qualifier, "qualifier"); err != nil {
		return "", "", errors.Annotatef(err, "table %q", name)
	}
	return namespace, qualifier, nil
}

// validatePart accepts [a-zA-Z0-9_.-] not starting with '.' or '-'.
func validatePart(part, what string) error {
	if part == "" {
		return errors.NotValidf("empty %s", what)
	}
	if part[0] == '.' || part[0] == '-' {
		return errors.NotValidf("%s %q starting with %q", what, part, part[0])
	}
	for _, c := range part {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '-', c == '.':
		default:
			return errors.NotValidf("%s %q with character %q", what, part, c)
		}
	}
	return nil
}

// TopicName returns <qualifier>_<epoch>.
func TopicName(tableName string, epoch int) (string, error) {
	_, qualifier, err := SplitTableName(tableName)
	if err != nil {
		return "", err
	}
	if epoch < 0 {
		return "", errors.NotValidf("epoch %d of table %q", epoch, tableName)
	}
	return fmt.Sprintf("%s_%d", qualifier, epoch), nil
}

// Resolver maps a table to its topic.
type Resolver interface {
	Topic(v Value) (string, error)
}

// DefaultResolver resolves with TopicName.
type DefaultResolver struct{}

func (DefaultResolver) Topic(v Value) (string, error) {
	return TopicName(v.TableName, v.Epoch)
}

// PrefixResolver prepends Prefix to the default topic name, which lets
// several deployments share one log service.
type PrefixResolver struct {
	Prefix string
}

func (p PrefixResolver) Topic(v Value) (string, error) {
	topic, err := TopicName(v.TableName, v.Epoch)
	if err != nil {
		return "", err
	}
	return p.Prefix + topic, nil
}
