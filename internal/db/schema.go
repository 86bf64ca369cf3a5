package db

// SchemaSQL defines the job history tables.
const SchemaSQL = `
    -- ==========================================================================
    -- DETECTION RUN TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS detection_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS handle ON detection_run TYPE string;
    DEFINE FIELD IF NOT EXISTS tag ON detection_run TYPE string;
    DEFINE FIELD IF NOT EXISTS params ON detection_run TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS status ON detection_run TYPE string
        ASSERT $value IN ["succeeded", "failed", "canceled"];
    DEFINE FIELD IF NOT EXISTS error_kind ON detection_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS error ON detection_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS features ON detection_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS classified ON detection_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS last_progress ON detection_run TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS generation ON detection_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS started_at ON detection_run TYPE datetime;
    DEFINE FIELD IF NOT EXISTS finished_at ON detection_run TYPE datetime;

    DEFINE INDEX IF NOT EXISTS idx_run_finished ON detection_run FIELDS finished_at;
    DEFINE INDEX IF NOT EXISTS idx_run_status ON detection_run FIELDS status;
    DEFINE INDEX IF NOT EXISTS idx_run_handle ON detection_run FIELDS handle;
`
