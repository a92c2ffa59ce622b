package database

// schemaStatements is the bootstrap DDL, applied one statement at a time.
// cooldown_until is DATETIME(6): compare-and-swap conditions compare it for
// equality against a previously read value, so it must round-trip exactly.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(128) PRIMARY KEY,
    tokens_current INT NOT NULL DEFAULT 0,
    tokens_max INT NOT NULL DEFAULT 0,
    cooldown_until DATETIME(6) NULL,
    total_generations INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS generations (
    id CHAR(36) PRIMARY KEY,
    user_id VARCHAR(128) NOT NULL,
    prompt TEXT NOT NULL,
    model VARCHAR(64) NOT NULL,
    size VARCHAR(16) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'queued',
    token_cost INT NOT NULL,
    image_url TEXT,
    rejection_reason TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,
	`CREATE TABLE IF NOT EXISTS slots (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    z INT NOT NULL,
    x INT NOT NULL,
    y INT NOT NULL,
    current_placement_id CHAR(36) NULL,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_slot_coord (z, x, y)
)`,
	`CREATE TABLE IF NOT EXISTS placements (
    id CHAR(36) PRIMARY KEY,
    slot_id BIGINT NOT NULL,
    user_id VARCHAR(128) NOT NULL,
    generation_id CHAR(36) NOT NULL,
    image_url TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (slot_id) REFERENCES slots(id),
    FOREIGN KEY (user_id) REFERENCES users(id),
    FOREIGN KEY (generation_id) REFERENCES generations(id)
)`,
}
