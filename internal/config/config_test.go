package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StorageBackend != "local" {
		t.Errorf("StorageBackend = %q", cfg.StorageBackend)
	}
	if !cfg.S3ForcePathStyle {
		t.Error("S3ForcePathStyle default = false, want true")
	}
	if cfg.MaxUploadSize != 100*1024*1024 {
		t.Errorf("MaxUploadSize = %d", cfg.MaxUploadSize)
	}
	if cfg.MaxFilesPerUpload != 10 {
		t.Errorf("MaxFilesPerUpload = %d", cfg.MaxFilesPerUpload)
	}
	if cfg.DefaultRequestsPerMin != 0 {
		t.Errorf("DefaultRequestsPerMin = %d", cfg.DefaultRequestsPerMin)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("S3_FORCE_PATH_STYLE", "false")
	t.Setenv("MAX_FILES_PER_UPLOAD", "3")
	t.Setenv("DEFAULT_STORAGE_LIMIT", "1048576")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.S3ForcePathStyle {
		t.Error("S3ForcePathStyle = true, want false")
	}
	if cfg.MaxFilesPerUpload != 3 {
		t.Errorf("MaxFilesPerUpload = %d, want 3", cfg.MaxFilesPerUpload)
	}
	if cfg.DefaultStorageLimit != 1<<20 {
		t.Errorf("DefaultStorageLimit = %d, want %d", cfg.DefaultStorageLimit, 1<<20)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("S3_FORCE_PATH_STYLE", "not-a-bool")
	t.Setenv("MAX_UPLOAD_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.S3ForcePathStyle {
		t.Error("unparsable bool did not fall back to default")
	}
	if cfg.MaxUploadSize != 100*1024*1024 {
		t.Errorf("unparsable int64 did not fall back: %d", cfg.MaxUploadSize)
	}
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Error("Load without JWT_SECRET succeeded")
	}
}
