package store

import (
	"time"

	"gorm.io/gorm"
)

// Cache is the reuse cache (C4): one row per observed path, consulted
// before hashing or probing to avoid redoing expensive work.
type Cache struct {
	db *gorm.DB
}

// Lookup returns the cached entry for path, or nil if the path has
// never been observed.
func (c *Cache) Lookup(path string) (*CacheEntry, error) {
	var entry CacheEntry
	err := c.db.First(&entry, "path = ?", path).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ShouldSkipHash implements the freshness invariant for the hash
// phase: a cached hashed=true is honored only when the stat's
// inode_key matches the cached one AND the configured algorithm and
// sample size haven't changed since the entry was written.
func ShouldSkipHash(entry *CacheEntry, inodeKey string, algo string, sampleSize int64) bool {
	if entry == nil || !entry.Hashed {
		return false
	}
	return entry.InodeKey == inodeKey &&
		entry.HashAlgo == algo &&
		entry.HashSampleSize == sampleSize
}

// ShouldSkipProbe implements the freshness invariant for the probe
// phase: a cached probed=true is honored only when the stat's
// inode_key still matches the cached one.
func ShouldSkipProbe(entry *CacheEntry, inodeKey string) bool {
	if entry == nil || !entry.Probed {
		return false
	}
	return entry.InodeKey == inodeKey
}

// UpsertObservation records a fresh stat observation for path,
// creating the row on first sight and updating it in place thereafter.
// It never touches the hashed/probed flags; callers update those
// explicitly once the corresponding work completes.
func (c *Cache) UpsertObservation(path, inodeKey string, size, mtime, ctime int64) error {
	now := time.Now()
	var entry CacheEntry
	err := c.db.First(&entry, "path = ?", path).Error
	switch err {
	case gorm.ErrRecordNotFound:
		return c.db.Create(&CacheEntry{
			Path:     path,
			InodeKey: inodeKey,
			Size:     size,
			MTime:    mtime,
			CTime:    ctime,
			LastSeen: now,
		}).Error
	case nil:
		if entry.InodeKey != inodeKey {
			// a changed inode means any prior hash/probe work no
			// longer applies to this path.
			entry.Hashed = false
			entry.Probed = false
		}
		entry.InodeKey = inodeKey
		entry.Size = size
		entry.MTime = mtime
		entry.CTime = ctime
		entry.LastSeen = now
		return c.db.Save(&entry).Error
	default:
		return err
	}
}

// MarkHashed records a successful hash computation against path.
func (c *Cache) MarkHashed(path, inodeKey, algo string, sampleSize int64, sampleHash, fullHash string) error {
	return c.db.Model(&CacheEntry{}).Where("path = ?", path).Updates(map[string]any{
		"inode_key":        inodeKey,
		"hashed":           true,
		"hash_algo":        algo,
		"hash_sample_size": sampleSize,
		"sample_hash":      sampleHash,
		"full_hash":        fullHash,
		"last_hashed_at":   time.Now(),
	}).Error
}

// MarkProbed records a successful probe against path.
func (c *Cache) MarkProbed(path, inodeKey string) error {
	return c.db.Model(&CacheEntry{}).Where("path = ?", path).Updates(map[string]any{
		"inode_key": inodeKey,
		"probed":    true,
	}).Error
}

// Info reports entry counts for the /agent/cache_info surface.
type Info struct {
	Total  int64
	Hashed int64
	Probed int64
}

func (c *Cache) Info() (Info, error) {
	var info Info
	if err := c.db.Model(&CacheEntry{}).Count(&info.Total).Error; err != nil {
		return Info{}, err
	}
	if err := c.db.Model(&CacheEntry{}).Where("hashed = ?", true).Count(&info.Hashed).Error; err != nil {
		return Info{}, err
	}
	if err := c.db.Model(&CacheEntry{}).Where("probed = ?", true).Count(&info.Probed).Error; err != nil {
		return Info{}, err
	}
	return info, nil
}
