package api

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Parking Occupancy</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; margin: 0; background: #111; color: #eee; }
        .header { display: flex; justify-content: space-between; align-items: center; padding: 12px 20px; background: #1c1c1c; }
        .badge { padding: 4px 10px; border-radius: 10px; background: #333; font-size: 13px; }
        .controls button { margin-left: 8px; padding: 6px 14px; background: #2b6; color: #fff; border: 0; border-radius: 4px; cursor: pointer; }
        .controls button.secondary { background: #555; }
        .grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(420px, 1fr)); gap: 14px; padding: 20px; }
        .panel { background: #1c1c1c; border-radius: 6px; padding: 10px; }
        .panel img { width: 100%; height: auto; display: block; }
        .panel .caption { margin-top: 6px; font-size: 14px; }
        table { border-collapse: collapse; margin: 0 20px; }
        td, th { padding: 4px 12px; border-bottom: 1px solid #333; text-align: left; }
    </style>
</head>
<body>
    <div class="header">
        <div>Parking Occupancy</div>
        <span class="badge" id="status-badge">Waiting for data...</span>
        <div class="controls">
            <button type="button" id="btn-refresh">Detect now</button>
            <button type="button" id="btn-snapshot" class="secondary">Raw frames</button>
            <button type="button" id="btn-calibrate" class="secondary">Calibrate</button>
        </div>
    </div>

    <table>
        <thead><tr><th>Camera</th><th>Spaces</th><th>Free</th><th>Free slots</th></tr></thead>
        <tbody id="occupancy-rows"></tbody>
    </table>

    <div class="grid" id="images"></div>

    <script>
        const badge = document.getElementById('status-badge');
        const grid = document.getElementById('images');
        const rows = document.getElementById('occupancy-rows');

        function showImages(images, cameras) {
            grid.innerHTML = '';
            images.forEach((b64, i) => {
                const panel = document.createElement('div');
                panel.className = 'panel';
                const img = document.createElement('img');
                img.src = 'data:image/jpeg;base64,' + b64;
                panel.appendChild(img);
                if (cameras && cameras[i]) {
                    const cap = document.createElement('div');
                    cap.className = 'caption';
                    cap.textContent = 'Camera ' + cameras[i];
                    panel.appendChild(cap);
                }
                grid.appendChild(panel);
            });
        }

        function showOccupancy(snap) {
            rows.innerHTML = '';
            snap.cameras.forEach(c => {
                const tr = document.createElement('tr');
                [c.camera_id, c.total_spaces, c.free_slots.length, c.free_slots.join(', ')].forEach(v => {
                    const td = document.createElement('td');
                    td.textContent = v;
                    tr.appendChild(td);
                });
                rows.appendChild(tr);
            });
            const at = new Date(snap.timestamp * 1000).toLocaleTimeString();
            badge.textContent = snap.succeeded + '/' + snap.total + ' cameras at ' + at;
        }

        async function fetchImages(detect) {
            badge.textContent = detect ? 'Detecting...' : 'Pulling frames...';
            const resp = await fetch('/api/images?detect=' + detect);
            if (!resp.ok) {
                badge.textContent = 'Request failed (' + resp.status + ')';
                return;
            }
            showImages(await resp.json());
            badge.textContent = (resp.headers.get('X-Cameras-Succeeded') || '?') + ' cameras';
        }

        async function calibrate() {
            if (!confirm('Recalibrate every camera from the current frames? The lots should be empty.')) {
                return;
            }
            badge.textContent = 'Calibrating...';
            const resp = await fetch('/api/calibrate', { method: 'POST' });
            const body = await resp.json();
            if (!resp.ok) {
                badge.textContent = body.error || 'Calibration failed';
                return;
            }
            showImages(body.cameras.map(c => c.image), body.cameras.map(c => c.camera_id));
            badge.textContent = body.summary;
        }

        async function loadCached() {
            const resp = await fetch('/api/images/cached');
            if (resp.ok) {
                const body = await resp.json();
                showImages(body.images, body.cameras);
            }
            const occ = await fetch('/api/occupancy');
            if (occ.ok) {
                showOccupancy(await occ.json());
            }
        }

        document.getElementById('btn-refresh').onclick = () => fetchImages(true);
        document.getElementById('btn-snapshot').onclick = () => fetchImages(false);
        document.getElementById('btn-calibrate').onclick = calibrate;

        const events = new EventSource('/api/occupancy/stream');
        events.onmessage = (e) => {
            showOccupancy(JSON.parse(e.data));
            loadCached();
        };

        loadCached();
    </script>
</body>
</html>
`
