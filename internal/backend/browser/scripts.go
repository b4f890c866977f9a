package browser

// installScript defines window.__daydream on the managed page. Every helper
// answers with a JSON envelope string: {ok, error, blocked, missing, data}.
const installScript = `() => {
  if (window.__daydream) return;
  const ok = (data) => JSON.stringify({ok: true, data: data === undefined ? null : data});
  const fail = (e) => JSON.stringify({ok: false, error: String((e && e.message) || e)});
  const handles = new Map();

  window.__daydream = {
    kvKeys(area) {
      try {
        const s = window[area];
        const keys = [];
        for (let i = 0; i < s.length; i++) keys.push(s.key(i));
        return ok(keys);
      } catch (e) { return fail(e); }
    },
    kvGet(area, key) {
      try {
        const v = window[area].getItem(key);
        return v === null ? fail('no key ' + key) : ok(v);
      } catch (e) { return fail(e); }
    },
    kvSet(area, key, value) {
      try { window[area].setItem(key, value); return ok(null); } catch (e) { return fail(e); }
    },
    kvDelete(area, key) {
      try { window[area].removeItem(key); return ok(null); } catch (e) { return fail(e); }
    },
    kvClear(area) {
      try { window[area].clear(); return ok(null); } catch (e) { return fail(e); }
    },

    async listStores() {
      try {
        const dbs = await indexedDB.databases();
        return ok(dbs.map((d) => ({name: d.name, version: d.version})));
      } catch (e) { return fail(e); }
    },

    open(name, id) {
      return new Promise((resolve) => {
        let created = false;
        const r = indexedDB.open(name);
        r.onupgradeneeded = (ev) => {
          if (ev.oldVersion === 0) { created = true; r.transaction.abort(); }
        };
        r.onsuccess = () => { handles.set(id, r.result); resolve(ok({version: r.result.version})); };
        r.onerror = () => resolve(created ? JSON.stringify({missing: true}) : fail(r.error));
      });
    },

    create(name, version, specs, id) {
      return new Promise((resolve) => {
        let upgraded = false;
        let problem = null;
        const r = indexedDB.open(name, version);
        r.onupgradeneeded = (ev) => {
          if (ev.oldVersion !== 0) { problem = 'store already exists'; r.transaction.abort(); return; }
          upgraded = true;
          try {
            for (const s of specs) {
              const opts = {autoIncrement: !!s.auto_increment};
              if (s.key_path) opts.keyPath = s.key_path;
              r.result.createObjectStore(s.name, opts);
            }
          } catch (e) { problem = e; r.transaction.abort(); }
        };
        r.onsuccess = () => {
          if (!upgraded) { r.result.close(); resolve(fail('store already exists')); return; }
          handles.set(id, r.result);
          resolve(ok(null));
        };
        r.onerror = () => resolve(fail(problem || r.error));
      });
    },

    deleteStore(name) {
      return new Promise((resolve) => {
        const r = indexedDB.deleteDatabase(name);
        r.onsuccess = () => resolve(ok(null));
        r.onerror = () => resolve(fail(r.error));
        r.onblocked = () => resolve(JSON.stringify({blocked: true}));
      });
    },

    close(id) {
      const db = handles.get(id);
      if (db) { db.close(); handles.delete(id); }
      return ok(null);
    },

    tables(id) {
      try {
        const db = handles.get(id);
        if (!db) return fail('handle closed');
        const names = Array.from(db.objectStoreNames);
        if (names.length === 0) return ok([]);
        const tx = db.transaction(names, 'readonly');
        return ok(names.map((n) => {
          const s = tx.objectStore(n);
          if (s.keyPath === null) return {name: n, key_path: '', auto_increment: s.autoIncrement, known: true};
          if (typeof s.keyPath === 'string') return {name: n, key_path: s.keyPath, auto_increment: s.autoIncrement, known: true};
          return {name: n, known: false};
        }));
      } catch (e) { return fail(e); }
    },

    scan(id, table, after, limit) {
      return new Promise((resolve) => {
        try {
          const db = handles.get(id);
          if (!db) { resolve(fail('handle closed')); return; }
          const store = db.transaction(table, 'readonly').objectStore(table);
          const range = after === null ? null : IDBKeyRange.lowerBound(after, true);
          const out = [];
          const c = store.openCursor(range);
          c.onsuccess = () => {
            const cur = c.result;
            if (!cur || out.length >= limit) { resolve(ok(out)); return; }
            out.push({key: cur.primaryKey, value: cur.value});
            cur.continue();
          };
          c.onerror = () => resolve(fail(c.error));
        } catch (e) { resolve(fail(e)); }
      });
    },

    replay(id, tables) {
      return new Promise((resolve) => {
        try {
          const db = handles.get(id);
          if (!db) { resolve(fail('handle closed')); return; }
          const names = Array.from(new Set(tables.map((t) => t.table)));
          if (names.length === 0) { resolve(ok([])); return; }
          const tx = db.transaction(names, 'readwrite');
          const failures = [];
          for (const t of tables) {
            const s = tx.objectStore(t.table);
            (t.records || []).forEach((p, i) => {
              let r;
              try {
                r = (p.key === undefined || p.key === null) ? s.add(p.value) : s.add(p.value, p.key);
              } catch (e) {
                failures.push({table: t.table, index: i, error: String(e.message || e)});
                return;
              }
              r.onerror = (ev) => {
                ev.preventDefault();
                ev.stopPropagation();
                failures.push({table: t.table, index: i, error: String(r.error && r.error.message)});
              };
            });
          }
          tx.oncomplete = () => resolve(ok(failures));
          tx.onabort = () => resolve(fail(tx.error || 'transaction aborted'));
        } catch (e) { resolve(fail(e)); }
      });
    },
  };
}`
