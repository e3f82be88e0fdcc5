// Package pg bootstraps the PostgreSQL layer on pgx/v5: a retrying pool
// connect, goose migrations (from disk or an embedded FS), a
// health probe, transaction helper and error classifiers.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, log); err != nil {
//		return err
//	}
//
// Stores accept pg.DBTX so the same queries run against the pool or inside
// pg.WithTx. IsDuplicateKeyError and IsNotFoundError let stores translate
// driver errors into their own sentinels.
package pg
