package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create instances table
			CREATE TABLE instances (
				id VARCHAR(255) PRIMARY KEY,
				spec_id VARCHAR(255) NOT NULL,
				spec JSONB NOT NULL,
				status VARCHAR(50) NOT NULL,
				current_stage_index INT NOT NULL DEFAULT 0,
				workspace TEXT,
				branch VARCHAR(255),
				approval JSONB,
				usage_totals JSONB NOT NULL DEFAULT '{}',
				snapshots JSONB,
				history JSONB,
				last_error JSONB,
				cooldown_count INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_instances_status ON instances(status);
			CREATE INDEX idx_instances_spec_id ON instances(spec_id);
			CREATE INDEX idx_instances_created_at ON instances(created_at);
			CREATE INDEX idx_instances_updated_at ON instances(updated_at);
		`,
		2: `
			-- Create schedules table
			CREATE TABLE schedules (
				id VARCHAR(255) PRIMARY KEY,
				spec JSONB NOT NULL,
				workspace TEXT,
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_schedules_next_due_at ON schedules(next_due_at);
			CREATE INDEX idx_schedules_active ON schedules(active);
		`,
	}
}
