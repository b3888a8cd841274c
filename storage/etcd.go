package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdRegistryStore RegistryStore persisted in etcd
type etcdRegistryStore struct {
	common.Component
	client    *clientv3.Client
	keyPrefix string
	timeout   time.Duration
}

// GetEtcdRegistryStore define an etcd backed registry store
//
// The cohort's keys live under "/omrs/cohort/<cohort>/".
func GetEtcdRegistryStore(
	cohortName string, servers []string, timeout time.Duration,
) (RegistryStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "etcd-registry-store", "instance": cohortName,
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   servers,
		DialTimeout: timeout,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect with etcd servers %s", servers,
		)
		return nil, err
	}
	log.WithFields(logTags).Infof("Connected with etcd servers %s", servers)
	return &etcdRegistryStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		keyPrefix: fmt.Sprintf("/omrs/cohort/%s/", cohortName),
		timeout:   timeout,
	}, nil
}

func (d *etcdRegistryStore) localKey() string {
	return d.keyPrefix + "local"
}

func (d *etcdRegistryStore) remotePrefix() string {
	return d.keyPrefix + "remote/"
}

func (d *etcdRegistryStore) remoteKey(metadataCollectionID string) string {
	return d.remotePrefix() + metadataCollectionID
}

// withTimeout bound a single etcd operation
func (d *etcdRegistryStore) withTimeout(
	ctxt context.Context,
) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctxt)
	}
	return context.WithTimeout(ctxt, d.timeout)
}

// set record a K/V pair in etcd
func (d *etcdRegistryStore) set(ctxt context.Context, key string, value driver.Valuer) error {
	serialized, err := value.Value()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	// Convert to byte
	asBytes, ok := serialized.([]byte)
	if !ok {
		err := fmt.Errorf("unable to convert value output to []byte for storage")
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	useCtxt, cancel := d.withTimeout(ctxt)
	defer cancel()
	resp, err := d.client.Put(useCtxt, key, string(asBytes))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("SET %s@%d", key, resp.Header.Revision)
	return nil
}

// get read a K/V pair from etcd. Returns false if the key does not exist.
func (d *etcdRegistryStore) get(ctxt context.Context, key string, result sql.Scanner) (bool, error) {
	useCtxt, cancel := d.withTimeout(ctxt)
	defer cancel()
	resp, err := d.client.Get(useCtxt, key)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", key)
		return false, err
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	// Give input to scanner for parsing
	if err := result.Scan(resp.Kvs[0].Value); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to parse %s", key)
		return false, err
	}
	return true, nil
}

// delete delete a key, or every key under a prefix
func (d *etcdRegistryStore) delete(ctxt context.Context, key string, opts ...clientv3.OpOption) error {
	useCtxt, cancel := d.withTimeout(ctxt)
	defer cancel()
	resp, err := d.client.Delete(useCtxt, key, opts...)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("Deleted %d instances of %s", resp.Deleted, key)
	return nil
}

func (d *etcdRegistryStore) RetrieveLocalRegistration(
	ctxt context.Context,
) (*common.MemberRegistration, error) {
	var registration common.MemberRegistration
	found, err := d.get(ctxt, d.localKey(), &registration)
	if err != nil || !found {
		return nil, err
	}
	return &registration, nil
}

func (d *etcdRegistryStore) SaveLocalRegistration(
	ctxt context.Context, registration *common.MemberRegistration,
) error {
	if registration == nil {
		return nil
	}
	return d.set(ctxt, d.localKey(), *registration)
}

func (d *etcdRegistryStore) RetrieveRemoteRegistration(
	ctxt context.Context, metadataCollectionID string,
) (*common.MemberRegistration, error) {
	var registration common.MemberRegistration
	found, err := d.get(ctxt, d.remoteKey(metadataCollectionID), &registration)
	if err != nil || !found {
		return nil, err
	}
	return &registration, nil
}

func (d *etcdRegistryStore) RetrieveRemoteRegistrations(
	ctxt context.Context,
) ([]common.MemberRegistration, error) {
	useCtxt, cancel := d.withTimeout(ctxt)
	defer cancel()
	resp, err := d.client.Get(useCtxt, d.remotePrefix(), clientv3.WithPrefix())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s*", d.remotePrefix())
		return nil, err
	}
	result := make([]common.MemberRegistration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var registration common.MemberRegistration
		if err := registration.Scan(kv.Value); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to parse %s", string(kv.Key))
			return nil, err
		}
		result = append(result, registration)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MetadataCollectionID < result[j].MetadataCollectionID
	})
	return result, nil
}

func (d *etcdRegistryStore) SaveRemoteRegistration(
	ctxt context.Context, registration common.MemberRegistration,
) error {
	if err := checkRemoteRegistration(registration); err != nil {
		return err
	}
	return d.set(ctxt, d.remoteKey(registration.MetadataCollectionID), registration)
}

func (d *etcdRegistryStore) RemoveRemoteRegistration(
	ctxt context.Context, metadataCollectionID string,
) error {
	return d.delete(ctxt, d.remoteKey(metadataCollectionID))
}

func (d *etcdRegistryStore) RemoveLocalRegistration(ctxt context.Context) error {
	return d.delete(ctxt, d.localKey())
}

func (d *etcdRegistryStore) ClearAllRegistrations(ctxt context.Context) error {
	if err := d.delete(ctxt, d.keyPrefix, clientv3.WithPrefix()); err != nil {
		return err
	}
	log.WithFields(d.LogTags).Info("Cleared all registrations")
	return nil
}

// Close close etcd storage driver
func (d *etcdRegistryStore) Close(_ context.Context) error {
	if err := d.client.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close driver")
		return err
	}
	return nil
}
