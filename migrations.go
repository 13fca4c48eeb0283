// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	_ "embed"

	"soulcare.app/soulchat/internal/storage"
)

var (
	//go:embed schema.sql
	schema string

	//go:embed settings.sql
	settingsSchema string
)

// Migrations is a collection of migrations for upgrading the database.
// It automatically checks the expected schema version of the application and
// orders itself to upgrade or downgrade the database to the correct version.
func Migrations() storage.Migrations {
	return storage.Migrations{
		{
			Version: 1,
			Up:      schema,
			Down: `
			PRAGMA writable_schema = 1;
			delete from sqlite_master where type in ('view', 'table', 'index', 'trigger');
			PRAGMA writable_schema = 0;`,
		},
		{
			Version: 2,
			Up:      settingsSchema,
			Down:    `DROP TABLE IF EXISTS settings;`,
		},
	}
}
