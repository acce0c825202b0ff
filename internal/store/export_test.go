package store

func Rebind(d *DB, q string) string { return d.rebind(q) }
