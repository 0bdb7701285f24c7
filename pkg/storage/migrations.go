package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/sentinelops/scp/pkg/log"
	bolt "go.etcd.io/bbolt"
)

var keySchemaVersion = []byte("schema_version")

// migrations run in order inside a single transaction each. The schema
// version stored in the meta bucket is the index of the last applied entry.
var migrations = []func(tx *bolt.Tx) error{
	migrateInitialSchema,
	migrateAgentIndexes,
	migrateNoiseBuckets,
}

func migrate(db *bolt.DB) error {
	logger := log.WithComponent("storage")
	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		version := uint64(0)
		if v := meta.Get(keySchemaVersion); v != nil {
			version = binary.BigEndian.Uint64(v)
		}
		if version > uint64(len(migrations)) {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(migrations))
		}
		for i := version; i < uint64(len(migrations)); i++ {
			if err := migrations[i](tx); err != nil {
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
			logger.Info().Uint64("version", i+1).Msg("Applied schema migration")
		}
		return meta.Put(keySchemaVersion, itob(uint64(len(migrations))))
	})
}

func migrateInitialSchema(tx *bolt.Tx) error {
	for _, name := range [][]byte{
		bucketHosts, bucketConfigs, bucketJobs, bucketResults,
		bucketSchedules, bucketAudit,
	} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

func migrateAgentIndexes(tx *bolt.Tx) error {
	for _, name := range [][]byte{
		bucketCommands, bucketHostByName, bucketHostByAgent, bucketCmdByCmdID,
	} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	// Backfill the hostname index for rows created before it existed.
	hosts := tx.Bucket(bucketHosts)
	idx := tx.Bucket(bucketHostByName)
	return hosts.ForEach(func(k, v []byte) error {
		var row struct {
			ID       uint64
			Hostname string
		}
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		return idx.Put(hostnameKey(row.Hostname), itob(row.ID))
	})
}

func migrateNoiseBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketNoiseRuns, bucketNoiseResults} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}
